package automation

import "errors"

var (
	// ErrMissingCapability is returned when the host lacks a required API or
	// the referenced participant or engagement does not exist. Poll and
	// settle loops abort on it.
	ErrMissingCapability = errors.New("missing required capability")
	// ErrPermissionDenied is returned when this session may not mutate a participant.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")
	// ErrSeverityTableMissing is returned by the host when the wound severity
	// table is not configured.
	ErrSeverityTableMissing = errors.New("no wound severity table configured")
	// ErrDisabled is returned by operations invoked while automation is disabled.
	ErrDisabled = errors.New("automation disabled")
	// ErrAlreadyEnabled is returned by Enable when a subscription is active.
	ErrAlreadyEnabled = errors.New("automation already enabled")
	// ErrNotResponding is returned by Defence when the participant is not
	// responding to any engagement.
	ErrNotResponding = errors.New("participant is not responding to an engagement")
)

// isFatalToLoop reports whether err must abort a poll or settle loop.
func isFatalToLoop(err error) bool {
	return errors.Is(err, ErrMissingCapability)
}
