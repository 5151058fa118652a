package protocol

import "errors"

// ErrMalformed wraps every decode failure. A connection that delivers
// malformed bytes is no longer trusted.
var ErrMalformed = errors.New("malformed message")

// Close reason codes sent with a websocket close frame.
const (
	CloseBadVersion  = "E_PROTO_BAD_VERSION"
	CloseMalformed   = "E_PROTO_MALFORMED"
	CloseUnexpected  = "E_PROTO_UNEXPECTED"
	CloseDesynced    = "E_SYNC_DESYNCED"
	CloseServerLeave = "E_SERVER_SHUTDOWN"
)

var knownCodes = map[string]struct{}{
	CloseBadVersion:  {},
	CloseMalformed:   {},
	CloseUnexpected:  {},
	CloseDesynced:    {},
	CloseServerLeave: {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
