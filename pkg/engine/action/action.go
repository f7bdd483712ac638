// Package action implements the action queue, the only sanctioned way for players and AI to change
// the game state. Actions are validated for shape when they are enqueued and for meaning when they
// are applied at the start of the next tick.
package action

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

var (
	// ErrInvalidAction is returned at enqueue time when an action's kind is unknown or its
	// parameters don't have the registered shape. Invalid actions are never queued.
	ErrInvalidAction = eris.New("invalid action")

	// ErrActionRejected is the cause of an outcome whose action failed semantic validation at apply
	// time. Handlers return it through Rejectf.
	ErrActionRejected = eris.New("action rejected")
)

// Action is the payload of a queued action. Name returns the action kind, which must be a constant
// for the type.
type Action interface {
	Name() string
}

// Envelope is a queued action together with its queue metadata.
type Envelope struct {
	ID      uuid.UUID // Unique per enqueue, used to correlate outcomes
	Seq     uint64    // Monotonic enqueue sequence number
	Issuer  string    // Player or country tag that issued the action
	Payload Action
}

// Kind returns the action kind.
func (e Envelope) Kind() string {
	return e.Payload.Name()
}

// Outcome reports how an action was resolved when it was applied.
type Outcome struct {
	ID      uuid.UUID
	Kind    string
	Issuer  string
	Applied bool
	Reason  string // Rejection reason, empty when applied
}

// RejectionError rejects the action being applied. It unwraps to ErrActionRejected.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "action rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() error {
	return ErrActionRejected
}

// Rejectf returns an error that rejects the action being applied with a formatted reason.
func Rejectf(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// reason extracts the human readable rejection reason from an apply error.
func reason(err error) string {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}
	return err.Error()
}
