package records

import "errors"

var (
	// ErrInvalidInput is returned when a required builder input is absent. The builder is unchanged.
	ErrInvalidInput = errors.New("records: invalid input")
	// ErrInvalidState is returned for any builder call after the session was finalized.
	ErrInvalidState = errors.New("records: builder already finalized")
	// ErrUnresolvedRecord is the reason reported to Diagnostics when Submit cannot pick a variant.
	ErrUnresolvedRecord = errors.New("records: unresolved record")
)
