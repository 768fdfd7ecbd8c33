package combat

import (
	"github.com/cory-johannsen/skirmish/internal/automation"
	"github.com/cory-johannsen/skirmish/internal/game/session"
)

// Host joins a session with its rules engine into the automation.Host the
// combat automation runs against.
type Host struct {
	*session.Manager
	*Engine
}

var _ automation.Host = (*Host)(nil)

// NewHost creates a Host.
//
// Precondition: eng must have been created over sess.
func NewHost(sess *session.Manager, eng *Engine) *Host {
	return &Host{Manager: sess, Engine: eng}
}
