package queuemgr

import "strings"

// ParseQueue recovers the <queue> segment from a session id of shape
// aff4:/<queue>/flows/<client_id?>/<nonce> (spec.md §6). The session id is
// otherwise opaque to the core.
func ParseQueue(sessionID string) string {
	trimmed := strings.TrimPrefix(sessionID, "aff4:/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
