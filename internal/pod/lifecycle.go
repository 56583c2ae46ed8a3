package pod

import (
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/podlink/internal/pod/message"
)

// LifecycleState is the pod's pairing/activation/fault progress.
type LifecycleState int

const (
	NoPod LifecycleState = iota
	Pairing
	Priming
	CannulaInsertionPending
	Active
	Faulted
	Deactivating
)

var lifecycleNames = map[LifecycleState]string{
	NoPod:                   "noPod",
	Pairing:                 "pairing",
	Priming:                 "priming",
	CannulaInsertionPending: "cannulaInsertionPending",
	Active:                  "active",
	Faulted:                 "faulted",
	Deactivating:            "deactivating",
}

func (s LifecycleState) String() string {
	if n, ok := lifecycleNames[s]; ok {
		return n
	}
	return fmt.Sprintf("lifecycle(%d)", int(s))
}

func (s LifecycleState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *LifecycleState) UnmarshalText(b []byte) error {
	for k, v := range lifecycleNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("pod: unknown lifecycle state %q", b)
}

// LifecycleEvent drives LifecycleState transitions.
type LifecycleEvent int

const (
	PairBegin LifecycleEvent = iota + 1
	SetupAck
	PrimeDone
	CannulaConfirmed
	DeactivateRequested
	DeactivateConfirmed
	FaultReported
)

func (e LifecycleEvent) String() string {
	switch e {
	case PairBegin:
		return "pairBegin"
	case SetupAck:
		return "setupAck"
	case PrimeDone:
		return "primeDone"
	case CannulaConfirmed:
		return "cannulaConfirmed"
	case DeactivateRequested:
		return "deactivateRequested"
	case DeactivateConfirmed:
		return "deactivateConfirmed"
	case FaultReported:
		return "faultReported"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrIllegalTransition is returned by Next for an event the state does not accept.
var ErrIllegalTransition = errors.New("pod: illegal lifecycle transition")

// Next returns the state reached by applying ev.
func (s LifecycleState) Next(ev LifecycleEvent) (LifecycleState, error) {
	switch {
	case ev == FaultReported && s != NoPod:
		return Faulted, nil
	case ev == DeactivateRequested && s != NoPod:
		return Deactivating, nil
	}
	next, ok := transitions[s][ev]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, s)
	}
	return next, nil
}

var transitions = map[LifecycleState]map[LifecycleEvent]LifecycleState{
	NoPod:                   {PairBegin: Pairing},
	Pairing:                 {PairBegin: Pairing, SetupAck: Priming},
	Priming:                 {PrimeDone: CannulaInsertionPending},
	CannulaInsertionPending: {CannulaConfirmed: Active},
	Deactivating:            {DeactivateConfirmed: NoPod},
}

// CommandKind groups pod commands by the lifecycle rule that governs them.
type CommandKind int

const (
	CommandStatus CommandKind = iota + 1
	CommandPair
	CommandPrime
	CommandInsertCannula
	CommandBolus
	CommandCancelBolus
	CommandTempBasal
	CommandCancelTempBasal
	CommandBasalSchedule
	CommandSuspend
	CommandResume
	CommandAcknowledgeAlerts
	CommandDeactivate
)

var commandNames = map[CommandKind]string{
	CommandStatus:            "status",
	CommandPair:              "pair",
	CommandPrime:             "prime",
	CommandInsertCannula:     "insertCannula",
	CommandBolus:             "bolus",
	CommandCancelBolus:       "cancelBolus",
	CommandTempBasal:         "tempBasal",
	CommandCancelTempBasal:   "cancelTempBasal",
	CommandBasalSchedule:     "basalSchedule",
	CommandSuspend:           "suspend",
	CommandResume:            "resume",
	CommandAcknowledgeAlerts: "acknowledgeAlerts",
	CommandDeactivate:        "deactivate",
}

func (c CommandKind) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Dosing reports commands that change insulin delivery.
func (c CommandKind) Dosing() bool {
	switch c {
	case CommandBolus, CommandCancelBolus, CommandTempBasal, CommandCancelTempBasal,
		CommandBasalSchedule, CommandSuspend, CommandResume:
		return true
	}
	return false
}

// Accepts reports whether cmd is legal in state s.
func (s LifecycleState) Accepts(cmd CommandKind) bool {
	switch {
	case cmd == CommandStatus:
		return true
	case cmd.Dosing():
		return s == Active
	}
	switch cmd {
	case CommandPair:
		return s == NoPod || s == Pairing
	case CommandPrime:
		return s == Priming
	case CommandInsertCannula:
		return s == CannulaInsertionPending
	case CommandAcknowledgeAlerts:
		return s == Active || s == Priming || s == CannulaInsertionPending
	case CommandDeactivate:
		return s != NoPod
	}
	return false
}

// FaultDetail describes a pod fault.
type FaultDetail struct {
	Code                   message.FaultCode `yaml:"code"`
	MinutesSinceActivation uint16            `yaml:"minutes_since_activation"`
	ReportedAt             time.Time         `yaml:"reported_at"`
}

func (f FaultDetail) Error() string {
	return fmt.Sprintf("%v: %s at %d minutes", ErrDeviceFault, f.Code, f.MinutesSinceActivation)
}

func (f FaultDetail) Unwrap() error { return ErrDeviceFault }

// progressEvent maps a reported pod progress to the lifecycle event it confirms
// for the given current state. ok is false when the progress confirms nothing new.
func progressEvent(s LifecycleState, p message.PodProgress) (LifecycleEvent, bool) {
	if p.Faulted() {
		return FaultReported, s != Faulted
	}
	switch s {
	case Pairing:
		if p >= message.ProgressPairingCompleted {
			return SetupAck, true
		}
	case Priming:
		if p >= message.ProgressPrimingCompleted {
			return PrimeDone, true
		}
	case CannulaInsertionPending:
		if p >= message.ProgressInsertingCannula {
			return CannulaConfirmed, true
		}
	case Deactivating:
		if p == message.ProgressInactive {
			return DeactivateConfirmed, true
		}
	}
	return 0, false
}
