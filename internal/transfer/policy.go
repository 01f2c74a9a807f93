package transfer

import (
	"context"

	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// TransitionPolicy can veto a transition before any stock moves. It is
// independent of the state machine; implementations return a
// PolicyViolationError with a machine-readable code to deny.
type TransitionPolicy interface {
	Authorize(ctx context.Context, t *Transfer, role Role, actor shared.Actor) error
}

// SODPolicy forbids one actor from occupying two or more guarded roles on
// the same transfer. Enforcement is a per-business configuration choice.
type SODPolicy struct {
	Enforce bool
}

// Reason codes emitted by SODPolicy.
const (
	CodeSODCreatorChecker   = "sod:creator-cannot-check"
	CodeSODCheckerSender    = "sod:checker-cannot-send"
	CodeSODSenderCompleter  = "sod:sender-cannot-complete"
	CodeSODCreatorCompleter = "sod:creator-cannot-complete"
)

// Authorize applies the role-pair rules against actors already recorded on
// the transfer.
func (p SODPolicy) Authorize(ctx context.Context, t *Transfer, role Role, actor shared.Actor) error {
	if !p.Enforce || t == nil {
		return nil
	}
	deny := func(code string) error {
		return &PolicyViolationError{Code: code, Role: role, ActorID: actor.ID, Configurable: true}
	}
	switch role {
	case RoleChecker:
		if t.CreatedBy == actor.ID {
			return deny(CodeSODCreatorChecker)
		}
	case RoleSender:
		if t.CheckedBy != nil && *t.CheckedBy == actor.ID {
			return deny(CodeSODCheckerSender)
		}
	case RoleCompleter:
		if t.SentBy != nil && *t.SentBy == actor.ID {
			return deny(CodeSODSenderCompleter)
		}
		if t.CreatedBy == actor.ID {
			return deny(CodeSODCreatorCompleter)
		}
	}
	return nil
}
