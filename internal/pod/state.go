// Package pod holds the pod's dosing and lifecycle state: the lifecycle state
// machine, the unfinalized dose tracker, and the reconciliation of local
// state against the pod's authoritative status responses.
//
// State is a plain value. The manager owns the canonical copy and mutates it
// through one serialized entry point; everything else works on copies.
package pod

import (
	"slices"
	"time"

	"github.com/chaz8081/podlink/internal/pod/message"
)

// Identity is fixed once the pod is paired.
type Identity struct {
	Address   uint32 `yaml:"address"`
	Lot       uint32 `yaml:"lot"`
	TID       uint32 `yaml:"tid"`
	PMVersion string `yaml:"pm_version"`
	PIVersion string `yaml:"pi_version"`
}

// State is the complete host-side view of one pod.
type State struct {
	Identity *Identity `yaml:"identity,omitempty"`
	// PairingAddress is chosen once per pairing attempt and reused on retry.
	PairingAddress uint32         `yaml:"pairing_address,omitempty"`
	Lifecycle      LifecycleState `yaml:"lifecycle"`
	Fault          *FaultDetail   `yaml:"fault,omitempty"`
	ActivatedAt    time.Time      `yaml:"activated_at,omitempty"`

	MessageSeq uint8  `yaml:"message_seq"`
	NonceSeed  uint32 `yaml:"nonce_seed"`
	NonceCount uint32 `yaml:"nonce_count"`

	LastStatus     *message.StatusResponse `yaml:"last_status,omitempty"`
	LastStatusAt   time.Time               `yaml:"last_status_at,omitempty"`
	Reservoir      float64                 `yaml:"reservoir"`
	ReservoirExact bool                    `yaml:"reservoir_exact"`
	Alerts         uint8                   `yaml:"alerts"`
	Suspended      bool                    `yaml:"suspended"`
	BasalSchedule  []float64               `yaml:"basal_schedule,omitempty"`

	UnfinalizedDoses []UnfinalizedDose `yaml:"unfinalized_doses,omitempty"`
	PendingDoses     []FinalizedDose   `yaml:"pending_doses,omitempty"`
	LastSync         time.Time         `yaml:"last_sync,omitempty"`

	LastCommsOK            bool `yaml:"last_comms_ok"`
	DeliveryStatusVerified bool `yaml:"delivery_status_verified"`

	Engage EngageStates `yaml:"-"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	if s.Identity != nil {
		id := *s.Identity
		c.Identity = &id
	}
	if s.Fault != nil {
		f := *s.Fault
		c.Fault = &f
	}
	if s.LastStatus != nil {
		st := *s.LastStatus
		c.LastStatus = &st
	}
	c.BasalSchedule = slices.Clone(s.BasalSchedule)
	c.UnfinalizedDoses = slices.Clone(s.UnfinalizedDoses)
	c.PendingDoses = slices.Clone(s.PendingDoses)
	return c
}

// Address returns the address commands are sent to: the paired identity's,
// or the pairing address while pairing is in progress.
func (s State) Address() uint32 {
	if s.Identity != nil {
		return s.Identity.Address
	}
	return s.PairingAddress
}

// NextNonce returns the nonce for the next nonce-protected command and
// advances the counter.
func (s *State) NextNonce() uint32 {
	n := message.Nonce(s.NonceSeed, s.NonceCount)
	s.NonceCount++
	return n
}

// ResyncNonce restarts the nonce sequence from the pod's resync key.
func (s *State) ResyncNonce(key uint16) {
	if s.Identity == nil {
		return
	}
	s.NonceSeed = message.NonceSeed(s.Identity.Lot, s.Identity.TID, key)
	s.NonceCount = 0
}

// Reset forgets the pod entirely.
func (s *State) Reset() {
	pending, lastSync := s.PendingDoses, s.LastSync
	*s = State{PendingDoses: pending, LastSync: lastSync}
}

// HasUncertainDose reports any unresolved dose.
func (s State) HasUncertainDose() bool {
	return slices.ContainsFunc(s.UnfinalizedDoses, func(d UnfinalizedDose) bool {
		return d.Certainty != Certain
	})
}

// Status is the observable projection of State. It is comparable so the
// manager can diff snapshots with ==.
type Status struct {
	Lifecycle      LifecycleState
	FaultCode      message.FaultCode
	Delivery       message.DeliveryStatus
	Reservoir      float64
	ReservoirExact bool
	Alerts         uint8
	Suspended      bool
	Engage         EngageStates
	Unfinalized    int
	Uncertain      int
	Pending        int
}

// Status projects the observable fields.
func (s State) Status() Status {
	st := Status{
		Lifecycle:      s.Lifecycle,
		Reservoir:      s.Reservoir,
		ReservoirExact: s.ReservoirExact,
		Alerts:         s.Alerts,
		Suspended:      s.Suspended,
		Engage:         s.Engage,
		Unfinalized:    len(s.UnfinalizedDoses),
		Pending:        len(s.PendingDoses),
	}
	if s.Fault != nil {
		st.FaultCode = s.Fault.Code
	}
	if s.LastStatus != nil {
		st.Delivery = s.LastStatus.DeliveryStatus
	}
	for _, d := range s.UnfinalizedDoses {
		if d.Certainty != Certain {
			st.Uncertain++
		}
	}
	return st
}
