package outputplugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glassCodeBender/grr/internal/flow"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakePlugin struct {
	processErr error
	flushErr   error
	panicOn    bool
	batches    [][][]byte
}

func (p *fakePlugin) ProcessResponses(ctx context.Context, batch [][]byte) error {
	if p.panicOn {
		panic("boom")
	}
	p.batches = append(p.batches, batch)
	return p.processErr
}

func (p *fakePlugin) Flush(ctx context.Context) error { return p.flushErr }

func TestRunRecordsSuccessPerPlugin(t *testing.T) {
	ctx := context.Background()
	fc := flow.New("aff4:/hunts/flows/H:1", "user", "hunts", time.Unix(1_700_000_000, 0))

	plugin := &fakePlugin{}
	host := NewHost([]Descriptor{"csv_export"}, func(name string) (Plugin, error) { return plugin, nil })

	require.NoError(t, host.Run(ctx, fc, [][]byte{[]byte("a"), []byte("b")}))
	require.Len(t, fc.OutputPluginsStates, 1)
	require.Equal(t, "csv_export", fc.OutputPluginsStates[0].Descriptor)
	require.Len(t, fc.OutputPluginsStates[0].Logs, 1)
	require.Empty(t, fc.OutputPluginsStates[0].Errors)
	require.Len(t, plugin.batches, 1)
}

func TestRunIsolatesPluginErrorWithoutFailingFlow(t *testing.T) {
	ctx := context.Background()
	fc := flow.New("aff4:/hunts/flows/H:2", "user", "hunts", time.Unix(1_700_000_000, 0))

	bad := &fakePlugin{processErr: errors.New("sink unavailable")}
	host := NewHost([]Descriptor{"bigquery"}, func(name string) (Plugin, error) { return bad, nil })

	err := host.Run(ctx, fc, [][]byte{[]byte("x")})
	require.NoError(t, err, "a single plugin's failure must not fail Run")
	require.Empty(t, fc.OutputPluginsStates[0].Logs)
	require.Len(t, fc.OutputPluginsStates[0].Errors, 1)
	require.Contains(t, fc.OutputPluginsStates[0].Errors[0], "sink unavailable")
}

func TestRunLogsWarningOnPluginFailure(t *testing.T) {
	ctx := context.Background()
	fc := flow.New("aff4:/hunts/flows/H:2b", "user", "hunts", time.Unix(1_700_000_000, 0))

	core, logs := observer.New(zapcore.WarnLevel)
	bad := &fakePlugin{processErr: errors.New("sink unavailable")}
	host := NewHost([]Descriptor{"bigquery"}, func(name string) (Plugin, error) { return bad, nil })
	host.SetLogger(zap.New(core).Sugar())

	require.NoError(t, host.Run(ctx, fc, [][]byte{[]byte("x")}))
	require.Equal(t, 1, logs.Len(), "a plugin failure must log a flow-level warning")
	entry := logs.All()[0]
	require.Equal(t, "output plugin failed", entry.Message)
	require.Equal(t, fc.SessionID, entry.ContextMap()["session_id"])
	require.Equal(t, "bigquery", entry.ContextMap()["descriptor"])
}

func TestRunIsolatesPluginPanic(t *testing.T) {
	ctx := context.Background()
	fc := flow.New("aff4:/hunts/flows/H:3", "user", "hunts", time.Unix(1_700_000_000, 0))

	panicky := &fakePlugin{panicOn: true}
	host := NewHost([]Descriptor{"flaky"}, func(name string) (Plugin, error) { return panicky, nil })

	require.NoError(t, host.Run(ctx, fc, [][]byte{[]byte("x")}))
	require.Len(t, fc.OutputPluginsStates[0].Errors, 1)
	require.Contains(t, fc.OutputPluginsStates[0].Errors[0], "panicked")
}

func TestRunSkippedWhenNoReplies(t *testing.T) {
	ctx := context.Background()
	fc := flow.New("aff4:/hunts/flows/H:4", "user", "hunts", time.Unix(1_700_000_000, 0))

	called := false
	host := NewHost([]Descriptor{"csv_export"}, func(name string) (Plugin, error) {
		called = true
		return &fakePlugin{}, nil
	})

	require.NoError(t, host.Run(ctx, fc, nil))
	require.False(t, called)
	require.Empty(t, fc.OutputPluginsStates)
}

func TestMultipleBatchesAccumulateOnSameDescriptor(t *testing.T) {
	ctx := context.Background()
	fc := flow.New("aff4:/hunts/flows/H:5", "user", "hunts", time.Unix(1_700_000_000, 0))

	plugin := &fakePlugin{}
	host := NewHost([]Descriptor{"csv_export"}, func(name string) (Plugin, error) { return plugin, nil })

	require.NoError(t, host.Run(ctx, fc, [][]byte{[]byte("a")}))
	require.NoError(t, host.Run(ctx, fc, [][]byte{[]byte("b")}))

	require.Len(t, fc.OutputPluginsStates, 1, "a second batch must reuse the existing state entry")
	require.Len(t, fc.OutputPluginsStates[0].Logs, 2)
}
