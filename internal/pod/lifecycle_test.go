package pod

import (
	"errors"
	"testing"

	"github.com/chaz8081/podlink/internal/pod/message"
)

func TestLifecycleNext(t *testing.T) {
	tests := []struct {
		from    LifecycleState
		ev      LifecycleEvent
		want    LifecycleState
		wantErr bool
	}{
		{NoPod, PairBegin, Pairing, false},
		{Pairing, PairBegin, Pairing, false},
		{Pairing, SetupAck, Priming, false},
		{Priming, PrimeDone, CannulaInsertionPending, false},
		{CannulaInsertionPending, CannulaConfirmed, Active, false},
		{Active, DeactivateRequested, Deactivating, false},
		{Faulted, DeactivateRequested, Deactivating, false},
		{Deactivating, DeactivateConfirmed, NoPod, false},
		{Active, FaultReported, Faulted, false},
		{Priming, FaultReported, Faulted, false},
		{Deactivating, FaultReported, Faulted, false},
		{NoPod, FaultReported, NoPod, true},
		{NoPod, DeactivateRequested, NoPod, true},
		{Active, PairBegin, Active, true},
		{Priming, CannulaConfirmed, Priming, true},
		{Faulted, PrimeDone, Faulted, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, err := tt.from.Next(tt.ev)
			if tt.wantErr {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("Next() error = %v, want ErrIllegalTransition", err)
				}
			} else if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Next() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDosingOnlyAcceptedWhenActive(t *testing.T) {
	dosing := []CommandKind{
		CommandBolus, CommandCancelBolus, CommandTempBasal, CommandCancelTempBasal,
		CommandBasalSchedule, CommandSuspend, CommandResume,
	}
	for s := range lifecycleNames {
		for _, cmd := range dosing {
			if got, want := s.Accepts(cmd), s == Active; got != want {
				t.Errorf("%s.Accepts(%s) = %v, want %v", s, cmd, got, want)
			}
		}
		if !s.Accepts(CommandStatus) {
			t.Errorf("%s should accept status", s)
		}
		if got, want := s.Accepts(CommandDeactivate), s != NoPod; got != want {
			t.Errorf("%s.Accepts(deactivate) = %v, want %v", s, got, want)
		}
	}
}

func TestCheckCommandRefusesDosingOutsideActive(t *testing.T) {
	for _, s := range []LifecycleState{Pairing, Priming, CannulaInsertionPending, Faulted, Deactivating} {
		st := State{Lifecycle: s}
		err := st.CheckCommand(CommandBolus, testNow)
		if !errors.Is(err, ErrStateConflict) {
			t.Errorf("%s: CheckCommand(bolus) = %v, want ErrStateConflict", s, err)
		}
	}
	err := State{}.CheckCommand(CommandStatus, testNow)
	var sc *StateConflictError
	if !errors.As(err, &sc) || sc.Reason != ConflictNoPod {
		t.Errorf("CheckCommand(status) with no pod = %v, want ConflictNoPod", err)
	}
}

func TestLifecycleTextRoundTrip(t *testing.T) {
	for s := range lifecycleNames {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%s) error = %v", s, err)
		}
		var got LifecycleState
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", b, err)
		}
		if got != s {
			t.Errorf("round trip %s = %s", s, got)
		}
	}
	var s LifecycleState
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) should fail")
	}
}

func TestProgressEvent(t *testing.T) {
	tests := []struct {
		state  LifecycleState
		p      message.PodProgress
		want   LifecycleEvent
		wantOK bool
	}{
		{Pairing, message.ProgressPairingCompleted, SetupAck, true},
		{Pairing, message.ProgressTankFillCompleted, 0, false},
		{Priming, message.ProgressPriming, 0, false},
		{Priming, message.ProgressPrimingCompleted, PrimeDone, true},
		{CannulaInsertionPending, message.ProgressAboveFiftyUnits, CannulaConfirmed, true},
		{Active, message.ProgressFaultEventOccurred, FaultReported, true},
		{Faulted, message.ProgressFaultEventOccurred, FaultReported, false},
		{Deactivating, message.ProgressInactive, DeactivateConfirmed, true},
		{Active, message.ProgressAboveFiftyUnits, 0, false},
	}
	for _, tt := range tests {
		ev, ok := progressEvent(tt.state, tt.p)
		if ok != tt.wantOK || (ok && ev != tt.want) {
			t.Errorf("progressEvent(%s, %s) = %s, %v; want %s, %v", tt.state, tt.p, ev, ok, tt.want, tt.wantOK)
		}
	}
}

func TestFaultDetailIsDeviceFault(t *testing.T) {
	var err error = FaultDetail{Code: message.FaultOcclusion, MinutesSinceActivation: 90}
	if !errors.Is(err, ErrDeviceFault) {
		t.Errorf("FaultDetail should match ErrDeviceFault")
	}
}
