package pod

import (
	"log/slog"
	"slices"
	"time"

	"github.com/chaz8081/podlink/internal/pod/message"
)

// Transition applies a lifecycle event.
func (s *State) Transition(ev LifecycleEvent) error {
	next, err := s.Lifecycle.Next(ev)
	if err != nil {
		return err
	}
	if next != s.Lifecycle {
		slog.Info("[POD] lifecycle", "from", s.Lifecycle, "to", next, "event", ev)
	}
	s.Lifecycle = next
	return nil
}

// CheckCommand verifies cmd is legal right now: lifecycle, suspension, and
// unresolved doses. It never touches the transport.
func (s State) CheckCommand(cmd CommandKind, now time.Time) error {
	if s.Lifecycle == NoPod && cmd != CommandPair {
		return &StateConflictError{Reason: ConflictNoPod, State: s.Lifecycle, Command: cmd}
	}
	if !s.Lifecycle.Accepts(cmd) {
		return &StateConflictError{Reason: ConflictLifecycle, State: s.Lifecycle, Command: cmd}
	}
	if (cmd == CommandBolus || cmd == CommandTempBasal) && s.Suspended {
		return &StateConflictError{Reason: ConflictSuspended, State: s.Lifecycle, Command: cmd}
	}
	return s.CheckDoseConflict(cmd, now)
}

// CheckDoseConflict refuses a new dosing command while a conflicting dose is
// uncertain or still running. Any uncertain dose blocks every dosing command
// except cancels: a later programming command would overwrite the sequence
// the pod echoes back, leaving the uncertain dose unresolvable.
func (s State) CheckDoseConflict(cmd CommandKind, now time.Time) error {
	for i := range s.UnfinalizedDoses {
		d := s.UnfinalizedDoses[i]
		if conflicts(cmd, d, now) {
			return &StateConflictError{Reason: ConflictUnfinalizedDose, State: s.Lifecycle, Command: cmd, Dose: &d}
		}
	}
	return nil
}

func conflicts(cmd CommandKind, d UnfinalizedDose, now time.Time) bool {
	switch cmd {
	case CommandCancelBolus, CommandCancelTempBasal:
		return false
	case CommandBolus, CommandTempBasal, CommandBasalSchedule, CommandSuspend, CommandResume:
		if d.Certainty != Certain {
			return true
		}
	default:
		return false
	}
	switch cmd {
	case CommandBolus:
		return d.Kind == DoseBolus && !d.IsFinished(now)
	case CommandTempBasal:
		return d.Kind == DoseTempBasal && !d.IsFinished(now)
	}
	return false
}

// CanSkipStatusCheck is the predicate for skipping the status round trip
// before an automatic dose: the last comms succeeded, the delivery status was
// verified, and every unfinalized dose is certain and finished.
func (s State) CanSkipStatusCheck(now time.Time) bool {
	if !s.LastCommsOK || !s.DeliveryStatusVerified {
		return false
	}
	for _, d := range s.UnfinalizedDoses {
		if d.Certainty != Certain || !d.IsFinished(now) {
			return false
		}
	}
	return true
}

// ApplyStatus folds an authoritative status response into state.
func (s *State) ApplyStatus(st message.StatusResponse, now time.Time, settle time.Duration) {
	s.LastStatus = &st
	s.LastStatusAt = now
	s.Reservoir, s.ReservoirExact = st.Reservoir()
	s.Alerts = st.Alerts
	if s.Lifecycle == Active {
		s.Suspended = st.DeliveryStatus.Suspended()
	}
	s.observeProgress(st.Progress, st.MinutesActive, now)
	s.Reconcile(st, now, settle)
	s.DeliveryStatusVerified = !s.HasUncertainDose()
}

// ApplyFault records a detailed status carrying a fault.
func (s *State) ApplyFault(info message.PodInfoResponse, now time.Time) {
	s.ApplyStatus(info.Status(), now, 0)
	if info.FaultCode == message.FaultNone {
		return
	}
	s.Fault = &FaultDetail{Code: info.FaultCode, MinutesSinceActivation: info.FaultMinutes, ReportedAt: now}
	if s.Lifecycle != Faulted && s.Lifecycle != NoPod {
		_ = s.Transition(FaultReported)
	}
	// The pod stops all delivery on fault.
	for i := range s.UnfinalizedDoses {
		d := &s.UnfinalizedDoses[i]
		if d.Certainty == Certain && !d.IsFinished(now) {
			d.Cancel(now, message.PulsesToUnits(info.PulsesNotDelivered))
		}
	}
}

// ApplyVersion records the pod's identity from a pairing response and
// advances pairing.
func (s *State) ApplyVersion(v message.VersionResponse, now time.Time) {
	if s.Identity == nil {
		s.Identity = &Identity{
			Address:   s.PairingAddress,
			Lot:       v.Lot,
			TID:       v.TID,
			PMVersion: message.VersionString(v.PMVersion),
			PIVersion: message.VersionString(v.PIVersion),
		}
		s.NonceSeed = message.NonceSeed(v.Lot, v.TID, 0)
		s.NonceCount = 0
	}
	s.observeProgress(v.Progress, 0, now)
}

func (s *State) observeProgress(p message.PodProgress, minutes uint16, now time.Time) {
	ev, ok := progressEvent(s.Lifecycle, p)
	if !ok {
		return
	}
	if ev == FaultReported && s.Fault == nil {
		s.Fault = &FaultDetail{MinutesSinceActivation: minutes, ReportedAt: now}
	}
	if ev == CannulaConfirmed && s.ActivatedAt.IsZero() {
		s.ActivatedAt = now.Add(-time.Duration(minutes) * time.Minute)
	}
	if err := s.Transition(ev); err != nil {
		slog.Warn("[POD] ignoring progress", "progress", p, "error", err)
	}
}

type resolution int

const (
	unresolved resolution = iota
	executed
	notExecuted
)

// Reconcile resolves uncertain doses against a status response and settles
// certain doses the pod reports as stopped early. Certainty only moves from
// uncertain to certain; doses proven not executed are dropped.
func (s *State) Reconcile(st message.StatusResponse, now time.Time, settle time.Duration) {
	kept := s.UnfinalizedDoses[:0:0]
	for _, d := range s.UnfinalizedDoses {
		if d.Certainty != Certain {
			switch s.resolve(d, st, now, settle) {
			case executed:
				slog.Info("[POD] uncertain dose confirmed", "kind", d.Kind, "id", d.ID)
				d.MarkCertain()
			case notExecuted:
				slog.Info("[POD] uncertain dose not delivered, dropping", "kind", d.Kind, "id", d.ID)
				continue
			default:
				kept = append(kept, d)
				continue
			}
		}
		if !d.IsFinished(now) {
			switch {
			case d.Kind == DoseBolus && !st.DeliveryStatus.Bolusing():
				d.Cancel(now, message.PulsesToUnits(st.PulsesNotDelivered))
			case d.Kind == DoseTempBasal && !st.DeliveryStatus.TempBasalRunning():
				d.Cancel(now, 0)
			}
		}
		kept = append(kept, d)
	}
	s.UnfinalizedDoses = kept
}

func (s *State) resolve(d UnfinalizedDose, st message.StatusResponse, now time.Time, settle time.Duration) resolution {
	if d.EchoedBy(st) || s.deliveryMatches(d, st) {
		return executed
	}
	if st.LastProgrammingSeq == d.ProgrammingSeq {
		// The echo predates d and may hide it.
		return unresolved
	}
	if now.Sub(d.StartTime) >= settle {
		return notExecuted
	}
	return unresolved
}

// EchoedBy reports that st's programming sequence echo can only come from d.
func (d UnfinalizedDose) EchoedBy(st message.StatusResponse) bool {
	if st.LastProgrammingSeq != d.ProgrammingSeq {
		return false
	}
	return !d.PriorEchoKnown || d.PriorEcho != d.ProgrammingSeq
}

// deliveryMatches reports that the pod's delivery state can only be explained
// by d having executed.
func (s *State) deliveryMatches(d UnfinalizedDose, st message.StatusResponse) bool {
	ds := st.DeliveryStatus
	switch d.Kind {
	case DoseBolus:
		return ds.Bolusing()
	case DoseTempBasal:
		other := slices.ContainsFunc(s.UnfinalizedDoses, func(o UnfinalizedDose) bool {
			return o.ID != d.ID && o.Kind == DoseTempBasal && o.Certainty == Certain && !o.Cancelled()
		})
		return ds.TempBasalRunning() && !other
	case DoseSuspend:
		return ds.Suspended()
	case DoseResume:
		return !ds.Suspended()
	}
	return false
}

// FinalizeDoses moves certain, finished doses into the pending storage queue
// and returns the queue. Only boluses and temp basals carry insulin amounts;
// schedule changes, suspends and resumes are dropped once settled.
func (s *State) FinalizeDoses(now time.Time) []FinalizedDose {
	kept := s.UnfinalizedDoses[:0:0]
	for _, d := range s.UnfinalizedDoses {
		if d.Certainty == Certain && d.IsFinished(now) {
			if d.Kind == DoseBolus || d.Kind == DoseTempBasal {
				s.PendingDoses = append(s.PendingDoses, d.Finalize())
			}
			continue
		}
		kept = append(kept, d)
	}
	s.UnfinalizedDoses = kept
	return slices.Clone(s.PendingDoses)
}

// MarkStored removes stored doses from the pending queue.
func (s *State) MarkStored(stored []FinalizedDose, syncTime time.Time) {
	s.PendingDoses = slices.DeleteFunc(s.PendingDoses, func(p FinalizedDose) bool {
		return slices.ContainsFunc(stored, func(d FinalizedDose) bool { return d.ID == p.ID })
	})
	s.LastSync = syncTime
}

// AddDose records a dose for a sent command. It must run before the
// command's own status response is applied.
func (s *State) AddDose(d UnfinalizedDose) {
	if s.LastStatus != nil {
		d.PriorEcho, d.PriorEchoKnown = s.LastStatus.LastProgrammingSeq, true
	}
	s.UnfinalizedDoses = append(s.UnfinalizedDoses, d)
	if d.Certainty != Certain {
		s.DeliveryStatusVerified = false
	}
}

// RunningDose returns the index of a certain, unfinished dose of kind, or -1.
func (s State) RunningDose(kind DoseKind, now time.Time) int {
	return slices.IndexFunc(s.UnfinalizedDoses, func(d UnfinalizedDose) bool {
		return d.Kind == kind && d.Certainty == Certain && !d.IsFinished(now)
	})
}
