package queuemgr

import (
	"errors"
	"fmt"
)

// MoreDataError is raised when a scan (currently only DestroyFlowStates)
// hits a page boundary. The caller is expected to flush whatever is
// already buffered and re-drive the call, which rescans from the Store;
// Cursor names the last column of the page just buffered, per spec.md
// §4.2's "may raise MoreDataException if paging is required".
type MoreDataError struct {
	SessionID string
	Cursor    string
}

func (e *MoreDataError) Error() string {
	return fmt.Sprintf("queuemgr: more data pending for session %s past cursor %q", e.SessionID, e.Cursor)
}

// IsMoreData reports whether err is (or wraps) a *MoreDataError.
func IsMoreData(err error) bool {
	var more *MoreDataError
	return errors.As(err, &more)
}
