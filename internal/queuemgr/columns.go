package queuemgr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	requestColumnPrefix = "request:"
	responsePrefix      = "response:"
	notificationPrefix  = "notify:"
)

func requestColumn(id uint64) string { return fmt.Sprintf("%s%016x", requestColumnPrefix, id) }

func responseColumnPrefix(requestID uint64) string {
	return fmt.Sprintf("%s%016x:", responsePrefix, requestID)
}

func responseColumn(requestID, responseID uint64) string {
	return fmt.Sprintf("%s%016x:%016x", responsePrefix, requestID, responseID)
}

// requestIDFromResponseColumn extracts the request id embedded in a
// response column name (response:<request_id>:<response_id>).
func requestIDFromResponseColumn(column string) (uint64, bool) {
	rest := strings.TrimPrefix(column, responsePrefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	id, err := strconv.ParseUint(parts[0], 16, 64)
	return id, err == nil
}

func clientQueue(clientID string) string { return "client:" + clientID }

func notifySubject(queue string) string { return "notifyqueue:" + queue }

func notificationColumn(sessionID string, ts time.Time) string {
	return fmt.Sprintf("%s%s:%016x", notificationPrefix, sessionID, uint64(ts.UnixNano()))
}

func notificationColumnPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s:", notificationPrefix, sessionID)
}
