package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chaz8081/podlink/internal/pod"
	"github.com/chaz8081/podlink/internal/pod/message"
)

// Pairing and activation constants.
const (
	PrimePulses           = 52
	PrimePulseInterval    = time.Second
	CannulaPulses         = 10
	CannulaPulseInterval  = time.Second
	MaxTempBasalRate      = 30.0 // U/h
	MaxTempBasalDuration  = 12 * time.Hour
	TempBasalDurationStep = 30 * time.Minute
	MaxBolus              = 30.0 // U
)

// check refuses a command before any transport activity.
func (s *Session) check(cmd pod.CommandKind) error {
	st := s.engine.state.Snapshot()
	return st.CheckCommand(cmd, s.engine.opts.Now())
}

func invalid(op string, format string, args ...any) error {
	return &pod.CommsError{Class: pod.ErrCertainFailure, Op: "session: " + op, Err: fmt.Errorf(format, args...)}
}

// ReadStatus fetches the pod's status. It is the only program that retries:
// unacknowledged and malformed exchanges are repeated up to StatusRetries times.
func (s *Session) ReadStatus(ctx context.Context) (message.StatusResponse, error) {
	if err := s.check(pod.CommandStatus); err != nil {
		return message.StatusResponse{}, err
	}
	var out CommandOutcome
	for attempt := 0; attempt <= s.engine.opts.StatusRetries; attempt++ {
		if attempt > 0 {
			s.log.Info("[SESSION] retrying status read", "attempt", attempt, "error", out.Err)
		}
		out = s.Send(ctx, message.GetStatusCommand{InfoType: message.PodInfoStatus})
		retryable := out.Result == Unacknowledged || errors.Is(out.Err, pod.ErrProtocol)
		if !retryable || ctx.Err() != nil {
			break
		}
	}
	if out.Err != nil {
		return message.StatusResponse{}, out.Err
	}
	if st, ok := out.Response.Block(message.TypeStatusResponse).(message.StatusResponse); ok {
		return st, nil
	}
	if info, ok := out.Response.Block(message.TypePodInfoResponse).(message.PodInfoResponse); ok {
		return info.Status(), nil
	}
	return message.StatusResponse{}, failed("session: ReadStatus", out.Seq, pod.ErrProtocol, errors.New("no status in response")).Err
}

// ReadFaultDetail fetches the detailed status that carries the fault code.
func (s *Session) ReadFaultDetail(ctx context.Context) (message.PodInfoResponse, error) {
	out := s.Send(ctx, message.GetStatusCommand{InfoType: message.PodInfoDetailed})
	if out.Err != nil {
		return message.PodInfoResponse{}, out.Err
	}
	info, ok := out.Response.Block(message.TypePodInfoResponse).(message.PodInfoResponse)
	if !ok {
		return info, failed("session: ReadFaultDetail", out.Seq, pod.ErrProtocol, errors.New("no detailed status in response")).Err
	}
	return info, nil
}

// AssignAddress starts or resumes pairing. The pairing address is chosen
// once and reused by every retry so the pod never holds two identities.
func (s *Session) AssignAddress(ctx context.Context) (message.VersionResponse, error) {
	if err := s.check(pod.CommandPair); err != nil {
		return message.VersionResponse{}, err
	}
	var addr uint32
	s.engine.state.Update(func(st *pod.State) {
		if st.PairingAddress == 0 {
			st.PairingAddress = newPodAddress()
			st.MessageSeq = 0
		}
		if st.Lifecycle == pod.NoPod {
			_ = st.Transition(pod.PairBegin)
		}
		addr = st.PairingAddress
	})
	s.log.Info("[SESSION] assigning address", "address", fmt.Sprintf("%08x", addr))

	out := s.Send(ctx, message.AssignAddressCommand{Address: addr})
	if out.Err != nil {
		return message.VersionResponse{}, out.Err
	}
	v, ok := out.Response.Block(message.TypeVersionResponse).(message.VersionResponse)
	if !ok {
		return v, failed("session: AssignAddress", out.Seq, pod.ErrProtocol, errors.New("no version in response")).Err
	}
	return v, nil
}

// SetupPod binds the pod to its address. The pod reports pairing complete
// and the lifecycle moves to Priming.
func (s *Session) SetupPod(ctx context.Context) error {
	if err := s.check(pod.CommandPair); err != nil {
		return err
	}
	st := s.engine.state.Snapshot()
	if st.Identity == nil {
		return invalid("SetupPod", "address not assigned")
	}
	out := s.Send(ctx, message.SetupPodCommand{
		Address:        st.Identity.Address,
		Lot:            st.Identity.Lot,
		TID:            st.Identity.TID,
		ActivationTime: s.engine.opts.Now(),
	})
	return out.Err
}

// Prime starts the priming bolus and returns how long the pod needs to
// finish it. A later status read confirms completion.
func (s *Session) Prime(ctx context.Context) (time.Duration, error) {
	if err := s.check(pod.CommandPrime); err != nil {
		return 0, err
	}
	cmd := message.BolusCommand{Pulses: PrimePulses, PulseInterval: PrimePulseInterval}
	out := s.Send(ctx, cmd)
	return cmd.Duration(), out.Err
}

// InsertCannula programs the basal schedule and fires the cannula insertion
// bolus. The pod starts basal delivery once insertion completes.
func (s *Session) InsertCannula(ctx context.Context, schedule []float64) error {
	if err := s.check(pod.CommandInsertCannula); err != nil {
		return err
	}
	if err := validateSchedule(schedule); err != nil {
		return invalid("InsertCannula", "%v", err)
	}
	out := s.send(ctx, []message.Block{basalCommand(schedule, s.engine.opts.Now())}, func(st *pod.State, _ uint8, c pod.Certainty) {
		if c == pod.Certain {
			st.BasalSchedule = append([]float64(nil), schedule...)
		}
	})
	if out.Err != nil {
		return out.Err
	}
	out = s.Send(ctx, message.BolusCommand{Pulses: CannulaPulses, PulseInterval: CannulaPulseInterval})
	return out.Err
}

// Bolus delivers units at the standard pulse rate.
func (s *Session) Bolus(ctx context.Context, units float64, automatic bool) error {
	if err := s.check(pod.CommandBolus); err != nil {
		return err
	}
	if !(units > 0) || units > MaxBolus {
		return invalid("Bolus", "%.2f U out of range", units)
	}
	pulses := message.UnitsToPulses(units)
	if pulses == 0 {
		return invalid("Bolus", "%.2f U is less than one pulse", units)
	}
	now := s.engine.opts.Now()
	cmd := message.BolusCommand{Pulses: pulses, PulseInterval: message.BolusPulseInterval}
	delivered := message.PulsesToUnits(pulses)
	s.log.Info("[SESSION] bolus", "units", delivered, "automatic", automatic)
	out := s.send(ctx, []message.Block{cmd}, func(st *pod.State, seq uint8, c pod.Certainty) {
		st.AddDose(pod.NewBolus(delivered, cmd.Duration(), now, c, seq, automatic))
	})
	return out.Err
}

// CancelBolus stops a running bolus. The status in the response settles
// the undelivered amount.
func (s *Session) CancelBolus(ctx context.Context) error {
	if err := s.check(pod.CommandCancelBolus); err != nil {
		return err
	}
	if err := s.readBeforeCancel(ctx, "CancelBolus"); err != nil {
		return err
	}
	return s.Send(ctx, message.CancelDeliveryCommand{Delivery: message.DeliveryBolus}).Err
}

// SetTempBasal starts a temp basal. A running temp basal must be cancelled
// first.
func (s *Session) SetTempBasal(ctx context.Context, rate float64, duration time.Duration, automatic bool) error {
	if err := s.check(pod.CommandTempBasal); err != nil {
		return err
	}
	if !(rate >= 0) || rate > MaxTempBasalRate {
		return invalid("SetTempBasal", "rate %.2f U/h out of range", rate)
	}
	if duration < TempBasalDurationStep || duration > MaxTempBasalDuration || duration%TempBasalDurationStep != 0 {
		return invalid("SetTempBasal", "duration %s must be a multiple of %s up to %s", duration, TempBasalDurationStep, MaxTempBasalDuration)
	}
	now := s.engine.opts.Now()
	s.log.Info("[SESSION] temp basal", "rate", rate, "duration", duration, "automatic", automatic)
	out := s.send(ctx, []message.Block{message.TempBasalCommand{Rate: rate, Duration: duration}}, func(st *pod.State, seq uint8, c pod.Certainty) {
		st.AddDose(pod.NewTempBasal(rate, duration, now, c, seq, automatic))
	})
	return out.Err
}

// CancelTempBasal returns the pod to its scheduled basal.
func (s *Session) CancelTempBasal(ctx context.Context) error {
	if err := s.check(pod.CommandCancelTempBasal); err != nil {
		return err
	}
	if err := s.readBeforeCancel(ctx, "CancelTempBasal"); err != nil {
		return err
	}
	return s.Send(ctx, message.CancelDeliveryCommand{Delivery: message.DeliveryTempBasal}).Err
}

// SetBasalSchedule replaces the basal schedule.
func (s *Session) SetBasalSchedule(ctx context.Context, schedule []float64) error {
	if err := s.check(pod.CommandBasalSchedule); err != nil {
		return err
	}
	if err := validateSchedule(schedule); err != nil {
		return invalid("SetBasalSchedule", "%v", err)
	}
	now := s.engine.opts.Now()
	out := s.send(ctx, []message.Block{basalCommand(schedule, now)}, func(st *pod.State, seq uint8, c pod.Certainty) {
		st.AddDose(pod.NewDeliveryChange(pod.DoseBasalScheduleChange, now, c, seq))
		if c == pod.Certain {
			st.BasalSchedule = append([]float64(nil), schedule...)
		}
	})
	return out.Err
}

// Suspend stops all delivery.
func (s *Session) Suspend(ctx context.Context) error {
	if err := s.check(pod.CommandSuspend); err != nil {
		return err
	}
	now := s.engine.opts.Now()
	out := s.send(ctx, []message.Block{message.CancelDeliveryCommand{Delivery: message.DeliveryAll}}, func(st *pod.State, seq uint8, c pod.Certainty) {
		st.AddDose(pod.NewDeliveryChange(pod.DoseSuspend, now, c, seq))
	})
	return out.Err
}

// Resume restarts scheduled basal delivery by re-sending the schedule.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.check(pod.CommandResume); err != nil {
		return err
	}
	schedule := s.engine.state.Snapshot().BasalSchedule
	if len(schedule) == 0 {
		return invalid("Resume", "no basal schedule programmed")
	}
	now := s.engine.opts.Now()
	out := s.send(ctx, []message.Block{basalCommand(schedule, now)}, func(st *pod.State, seq uint8, c pod.Certainty) {
		st.AddDose(pod.NewDeliveryChange(pod.DoseResume, now, c, seq))
	})
	return out.Err
}

// AcknowledgeAlerts clears the given alert slots.
func (s *Session) AcknowledgeAlerts(ctx context.Context, mask uint8) error {
	if err := s.check(pod.CommandAcknowledgeAlerts); err != nil {
		return err
	}
	return s.Send(ctx, message.AcknowledgeAlertsCommand{Mask: mask}).Err
}

// Deactivate permanently stops the pod. On confirmation the lifecycle
// returns to NoPod and the identity is forgotten; doses not yet stored stay
// queued.
func (s *Session) Deactivate(ctx context.Context) error {
	if err := s.check(pod.CommandDeactivate); err != nil {
		return err
	}
	if err := s.readBeforeCancel(ctx, "Deactivate"); err != nil {
		s.log.Warn("[SESSION] deactivating with unresolved doses", "error", err)
	}
	var prev pod.LifecycleState
	s.engine.state.Update(func(st *pod.State) {
		prev = st.Lifecycle
		_ = st.Transition(pod.DeactivateRequested)
	})
	out := s.Send(ctx, message.DeactivatePodCommand{})
	if out.Result == CertainFailure {
		s.engine.state.Update(func(st *pod.State) {
			if st.Lifecycle == pod.Deactivating {
				s.log.Info("[SESSION] deactivation not delivered, restoring lifecycle", "lifecycle", prev)
				st.Lifecycle = prev
			}
		})
	}
	if out.Err != nil {
		return out.Err
	}
	now := s.engine.opts.Now()
	s.engine.state.Update(func(st *pod.State) {
		if st.Lifecycle != pod.NoPod {
			return
		}
		if st.HasUncertainDose() {
			s.log.Warn("[SESSION] deactivated with unresolved doses", "count", len(st.UnfinalizedDoses))
		}
		st.FinalizeDoses(now)
		st.Reset()
	})
	return nil
}

// readBeforeCancel resolves uncertain doses while the pod's programming
// echo still refers to them. Cancels and deactivation overwrite the echo.
func (s *Session) readBeforeCancel(ctx context.Context, op string) error {
	if !s.engine.state.Snapshot().HasUncertainDose() {
		return nil
	}
	s.log.Info("[SESSION] reading status before overwriting the programming echo", "op", op)
	if _, err := s.ReadStatus(ctx); err != nil {
		if errors.Is(err, pod.ErrDeviceFault) {
			return err
		}
		return invalid(op, "status read before cancel failed: %v", err)
	}
	return nil
}

func validateSchedule(rates []float64) error {
	if len(rates) == 0 || len(rates) > message.MaxBasalSegments {
		return fmt.Errorf("schedule needs 1 to %d half hour rates, got %d", message.MaxBasalSegments, len(rates))
	}
	for i, r := range rates {
		if !(r >= 0) || r > MaxTempBasalRate {
			return fmt.Errorf("segment %d rate %.2f U/h out of range", i, r)
		}
	}
	return nil
}

// basalCommand starts the schedule at the current offset into the local day.
func basalCommand(rates []float64, now time.Time) message.BasalScheduleCommand {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return message.BasalScheduleCommand{ScheduleStart: now.Sub(midnight), Rates: rates}
}

// newPodAddress picks a random address in the range pods accept.
func newPodAddress() uint32 {
	return 0x1f000000 | (rand.Uint32N(0x00fffffe) + 1)
}
