package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreResolveMissingIsNilNotError(t *testing.T) {
	s := NewMemoryStore()
	val, err := s.Resolve(context.Background(), "subject", "col")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestMemoryStoreMultiSetAndResolveRegex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.MultiSet(ctx, "queue:tasks", map[string][]byte{
		"task:00000001": []byte("a"),
		"task:00000002": []byte("b"),
		"other:x":       []byte("c"),
	}))

	got, err := s.ResolveRegex(ctx, "queue:tasks", "task:")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got["task:00000001"])
}

func TestMemoryStoreCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.CompareAndSet(ctx, "subj", "col", nil, []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok, "cas should win against an absent column")

	ok, err = s.CompareAndSet(ctx, "subj", "col", nil, []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok, "cas should miss: column is no longer absent")

	ok, err = s.CompareAndSet(ctx, "subj", "col", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, ok)

	val, _ := s.Resolve(ctx, "subj", "col")
	assert.Equal(t, []byte("v2"), val)
}

func TestMemoryStoreDeleteAttributesTimeRanged(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.MultiSet(ctx, "subj", map[string][]byte{"a": []byte("1")}))
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	// Outside the range: should not delete.
	require.NoError(t, s.DeleteAttributes(ctx, "subj", []string{"a"}, &past, ptrTime(past.Add(time.Minute))))
	val, _ := s.Resolve(ctx, "subj", "a")
	assert.Equal(t, []byte("1"), val, "row outside range must survive")

	// Inside the range: should delete.
	require.NoError(t, s.DeleteAttributes(ctx, "subj", []string{"a"}, &past, &future))
	val, _ = s.Resolve(ctx, "subj", "a")
	assert.Nil(t, val)
}

func TestMemoryPoolFlushIsAtomicFromCallerView(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pool := s.GetMutationPool()
	assert.False(t, pool.Pending())

	pool.Set("subj", "a", []byte("1"))
	pool.Set("subj", "b", []byte("2"))
	assert.True(t, pool.Pending())

	// Nothing lands until Flush.
	val, _ := s.Resolve(ctx, "subj", "a")
	assert.Nil(t, val)

	require.NoError(t, pool.Flush(ctx))
	val, _ = s.Resolve(ctx, "subj", "a")
	assert.Equal(t, []byte("1"), val)
	assert.False(t, pool.Pending())
}

func ptrTime(t time.Time) *time.Time { return &t }
