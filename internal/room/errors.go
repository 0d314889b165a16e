package room

import (
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// Close codes sent to clients. Codes below 4000 are the standard ones.
const (
	CodeHandshake     = websocket.StatusPolicyViolation // 1008
	CodeStaleSession  = websocket.StatusCode(4090)
	CodeDuplicateUser = websocket.StatusCode(4091)
	CodeReplaced      = websocket.StatusCode(4001)
	CodeTooBig        = websocket.StatusMessageTooBig   // 1009
	CodeRateLimited   = websocket.StatusTryAgainLater   // 1013
	CodeMalformed     = websocket.StatusUnsupportedData // 1003
	CodeIdle          = websocket.StatusNormalClosure   // 1000
	CodeShutdown      = websocket.StatusGoingAway       // 1001
	CodeSendFailed    = websocket.StatusInternalError   // 1011
)

// ErrRoomClosed is returned by operations on a room that has been retired
// or shut down.
var ErrRoomClosed = errors.New("room closed")

// CloseError is a rejection carrying the WebSocket close code the client
// receives.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", int(e.Code), e.Reason)
}

func closeErr(code websocket.StatusCode, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

// reasonLabel maps a close code to a bounded metrics label.
func reasonLabel(code websocket.StatusCode) string {
	switch code {
	case CodeHandshake:
		return "handshake"
	case CodeStaleSession:
		return "stale_session"
	case CodeDuplicateUser:
		return "duplicate_user"
	case CodeReplaced:
		return "replaced"
	case CodeTooBig:
		return "too_big"
	case CodeRateLimited:
		return "rate_limited"
	case CodeMalformed:
		return "malformed"
	case CodeIdle:
		return "idle_timeout"
	case CodeShutdown:
		return "shutdown"
	case CodeSendFailed:
		return "send_failed"
	default:
		return "other"
	}
}
