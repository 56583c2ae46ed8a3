package pod

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by the session engine and manager
// matches exactly one of these with errors.Is.
var (
	// ErrCertainFailure: the pod rejected the command or it was never sent.
	ErrCertainFailure = errors.New("certain failure")
	// ErrUnacknowledged: the command may or may not have reached the pod.
	ErrUnacknowledged = errors.New("unacknowledged")
	// ErrProtocol: framing, CRC, or sequence failure. Always a certain failure.
	ErrProtocol = errors.New("protocol error")
	// ErrStateConflict: illegal in the current lifecycle state, or blocked by
	// an unresolved dose.
	ErrStateConflict = errors.New("state conflict")
	// ErrDeviceFault: the pod reported a hardware, occlusion, or expiry fault.
	ErrDeviceFault = errors.New("device fault")
)

// CommsError wraps a transport or pod error with its taxonomy class.
type CommsError struct {
	Class error // one of the sentinels above
	Op    string
	Err   error
}

func (e *CommsError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Class, e.Err)
}

func (e *CommsError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// ConflictReason says why a command was refused before reaching the pod.
type ConflictReason int

const (
	ConflictLifecycle ConflictReason = iota + 1
	ConflictUnfinalizedDose
	ConflictNoPod
	ConflictSuspended
)

func (r ConflictReason) String() string {
	switch r {
	case ConflictLifecycle:
		return "not allowed in lifecycle state"
	case ConflictUnfinalizedDose:
		return "unfinalizedDoseInProgress"
	case ConflictNoPod:
		return "no pod paired"
	case ConflictSuspended:
		return "pod is suspended"
	default:
		return fmt.Sprintf("conflict(%d)", int(r))
	}
}

// StateConflictError is returned without any transport activity.
type StateConflictError struct {
	Reason  ConflictReason
	State   LifecycleState
	Command CommandKind
	Dose    *UnfinalizedDose // the blocking dose, for ConflictUnfinalizedDose
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("%v: %s rejected: %s", ErrStateConflict, e.Command, e.Reason)
	if e.Reason == ConflictLifecycle {
		msg += " " + e.State.String()
	}
	if e.Dose != nil {
		msg += fmt.Sprintf(" (%s %s)", e.Dose.Certainty, e.Dose.Kind)
	}
	return msg
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// IsUncertain reports whether err leaves delivery status unknown. Callers
// surface it as "delivery status unknown" rather than "delivery failed".
func IsUncertain(err error) bool {
	return errors.Is(err, ErrUnacknowledged)
}

// IsUnfinalizedDoseInProgress reports a refusal caused by an unresolved dose.
func IsUnfinalizedDoseInProgress(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc) && sc.Reason == ConflictUnfinalizedDose
}
