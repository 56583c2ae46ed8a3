package podmanager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chaz8081/podlink/internal/pod"
	"github.com/chaz8081/podlink/internal/pod/session"
)

// ErrStillUncertain is wrapped when a status read leaves a dose unresolved.
var ErrStillUncertain = errors.New("dose still unresolved")

// Pair assigns an address to a new pod and binds it. A failed pairing can be
// retried with the same address.
func (m *Manager) Pair(ctx context.Context) error {
	if err := m.precheck(pod.CommandPair); err != nil {
		return err
	}
	return m.run(ctx, "pair", func(s *session.Session) error {
		if _, err := s.AssignAddress(ctx); err != nil {
			return err
		}
		return s.SetupPod(ctx)
	})
}

// Prime starts priming and returns how long to wait before inserting the
// cannula.
func (m *Manager) Prime(ctx context.Context) (time.Duration, error) {
	if err := m.precheck(pod.CommandPrime); err != nil {
		return 0, err
	}
	var wait time.Duration
	err := m.run(ctx, "prime", func(s *session.Session) error {
		var err error
		wait, err = s.Prime(ctx)
		return err
	})
	return wait, err
}

// InsertCannula programs the basal schedule and inserts the cannula. When
// priming has not yet been confirmed, a status read runs first.
func (m *Manager) InsertCannula(ctx context.Context, schedule []float64) error {
	if st := m.Snapshot(); st.Lifecycle == pod.Priming {
		if _, err := m.GetStatus(ctx); err != nil {
			return err
		}
	}
	if err := m.precheck(pod.CommandInsertCannula); err != nil {
		return err
	}
	return m.run(ctx, "insert cannula", func(s *session.Session) error {
		return s.InsertCannula(ctx, schedule)
	})
}

// GetStatus reads the pod status and returns the updated projection.
func (m *Manager) GetStatus(ctx context.Context) (pod.Status, error) {
	if err := m.precheck(pod.CommandStatus); err != nil {
		return m.Status(), err
	}
	err := m.run(ctx, "status", func(s *session.Session) error {
		_, err := s.ReadStatus(ctx)
		return err
	})
	return m.Status(), err
}

// ResolveUncertainty reads status to settle uncertain doses. It fails with
// an unacknowledged error while any dose stays uncertain.
func (m *Manager) ResolveUncertainty(ctx context.Context) (pod.Status, error) {
	status, err := m.GetStatus(ctx)
	if err != nil {
		return status, err
	}
	if status.Uncertain > 0 {
		return status, &pod.CommsError{Class: pod.ErrUnacknowledged, Op: "podmanager: resolve uncertainty", Err: ErrStillUncertain}
	}
	return status, nil
}

// Bolus delivers a manual bolus.
func (m *Manager) Bolus(ctx context.Context, units float64) error {
	return m.bolus(ctx, units, false)
}

// AutomaticBolus delivers a bolus on behalf of a control loop. The status
// round trip is skipped only when the last session left nothing to verify.
func (m *Manager) AutomaticBolus(ctx context.Context, units float64) error {
	return m.bolus(ctx, units, true)
}

func (m *Manager) bolus(ctx context.Context, units float64, automatic bool) error {
	if err := m.precheck(pod.CommandBolus); err != nil {
		return err
	}
	defer m.engage(pod.EngageBolus, pod.Engaging)()
	return m.run(ctx, "bolus", func(s *session.Session) error {
		if automatic {
			if err := m.verifyDelivery(ctx, s); err != nil {
				return err
			}
		}
		return s.Bolus(ctx, units, automatic)
	})
}

// verifyDelivery reads status unless the skip predicate holds.
func (m *Manager) verifyDelivery(ctx context.Context, s *session.Session) error {
	if m.Snapshot().CanSkipStatusCheck(m.engine.Now()) {
		slog.Debug("[POD] skipping status check")
		return nil
	}
	_, err := s.ReadStatus(ctx)
	return err
}

// CancelBolus stops a running bolus.
func (m *Manager) CancelBolus(ctx context.Context) error {
	if err := m.precheck(pod.CommandCancelBolus); err != nil {
		return err
	}
	defer m.engage(pod.EngageBolus, pod.Disengaging)()
	return m.run(ctx, "cancel bolus", func(s *session.Session) error {
		return s.CancelBolus(ctx)
	})
}

// SetTempBasal starts a temp basal, cancelling a running one in the same
// session.
func (m *Manager) SetTempBasal(ctx context.Context, rate float64, duration time.Duration, automatic bool) error {
	now := m.engine.Now()
	st := m.Snapshot()
	if i := st.RunningDose(pod.DoseTempBasal, now); i >= 0 {
		st.UnfinalizedDoses[i].Cancel(now, 0)
	}
	if err := st.CheckCommand(pod.CommandTempBasal, now); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}
	defer m.engage(pod.EngageTempBasal, pod.Engaging)()
	return m.run(ctx, "temp basal", func(s *session.Session) error {
		if automatic {
			if err := m.verifyDelivery(ctx, s); err != nil {
				return err
			}
		}
		if m.Snapshot().RunningDose(pod.DoseTempBasal, m.engine.Now()) >= 0 {
			if err := s.CancelTempBasal(ctx); err != nil {
				return err
			}
		}
		return s.SetTempBasal(ctx, rate, duration, automatic)
	})
}

// CancelTempBasal returns the pod to its scheduled basal.
func (m *Manager) CancelTempBasal(ctx context.Context) error {
	if err := m.precheck(pod.CommandCancelTempBasal); err != nil {
		return err
	}
	defer m.engage(pod.EngageTempBasal, pod.Disengaging)()
	return m.run(ctx, "cancel temp basal", func(s *session.Session) error {
		return s.CancelTempBasal(ctx)
	})
}

// SetBasalSchedule replaces the basal schedule.
func (m *Manager) SetBasalSchedule(ctx context.Context, schedule []float64) error {
	if err := m.precheck(pod.CommandBasalSchedule); err != nil {
		return err
	}
	return m.run(ctx, "basal schedule", func(s *session.Session) error {
		return s.SetBasalSchedule(ctx, schedule)
	})
}

// Suspend stops all insulin delivery.
func (m *Manager) Suspend(ctx context.Context) error {
	if err := m.precheck(pod.CommandSuspend); err != nil {
		return err
	}
	defer m.engage(pod.EngageSuspend, pod.Engaging)()
	return m.run(ctx, "suspend", func(s *session.Session) error {
		return s.Suspend(ctx)
	})
}

// Resume restarts scheduled basal delivery.
func (m *Manager) Resume(ctx context.Context) error {
	if err := m.precheck(pod.CommandResume); err != nil {
		return err
	}
	defer m.engage(pod.EngageSuspend, pod.Disengaging)()
	return m.run(ctx, "resume", func(s *session.Session) error {
		return s.Resume(ctx)
	})
}

// AcknowledgeAlerts clears the alert slots in mask.
func (m *Manager) AcknowledgeAlerts(ctx context.Context, mask uint8) error {
	if err := m.precheck(pod.CommandAcknowledgeAlerts); err != nil {
		return err
	}
	return m.run(ctx, "acknowledge alerts", func(s *session.Session) error {
		return s.AcknowledgeAlerts(ctx, mask)
	})
}

// Deactivate stops the pod and forgets it once the pod confirms.
func (m *Manager) Deactivate(ctx context.Context) error {
	if err := m.precheck(pod.CommandDeactivate); err != nil {
		return err
	}
	return m.run(ctx, "deactivate", func(s *session.Session) error {
		return s.Deactivate(ctx)
	})
}

// Forget drops the pod without talking to it, for a pod that is lost or
// unreachable. Finished doses stay queued for storage.
func (m *Manager) Forget() {
	now := m.engine.Now()
	m.Update(func(st *pod.State) {
		if st.Lifecycle == pod.NoPod && st.PairingAddress == 0 {
			return
		}
		if st.HasUncertainDose() {
			slog.Warn("[POD] forgetting pod with unresolved doses", "count", st.Status().Uncertain)
		}
		// Delivery is unknowable past this point; record what was due so far.
		for i := range st.UnfinalizedDoses {
			d := &st.UnfinalizedDoses[i]
			if d.Certainty == pod.Certain {
				d.Cancel(now, d.Units-d.DeliveredUnits(now))
			}
		}
		st.FinalizeDoses(now)
		st.Reset()
	})
	slog.Info("[POD] pod forgotten")
}
