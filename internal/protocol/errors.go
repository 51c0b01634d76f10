package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrUnauthorized    = "E_UNAUTHORIZED"

	// Record layer.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrBusy        = "E_BUSY"
	ErrUnavailable = "E_UNAVAILABLE"
	ErrStale       = "E_STALE"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrUnauthorized:    {},
	ErrBadRequest:      {},
	ErrBusy:            {},
	ErrUnavailable:     {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
