package pod

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DoseKind is the category of an unfinalized dose.
type DoseKind int

const (
	DoseBolus DoseKind = iota + 1
	DoseTempBasal
	DoseBasalScheduleChange
	DoseSuspend
	DoseResume
)

var doseKindNames = map[DoseKind]string{
	DoseBolus:               "bolus",
	DoseTempBasal:           "tempBasal",
	DoseBasalScheduleChange: "basalScheduleChange",
	DoseSuspend:             "suspend",
	DoseResume:              "resume",
}

func (k DoseKind) String() string {
	if n, ok := doseKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("dose(%d)", int(k))
}

func (k DoseKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *DoseKind) UnmarshalText(b []byte) error {
	for kind, n := range doseKindNames {
		if n == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("pod: unknown dose kind %q", b)
}

// Certainty records whether the pod is known to have received a command.
// The zero value is invalid so an unset field is never mistaken for Certain.
type Certainty int

const (
	Certain Certainty = iota + 1
	Uncertain
)

func (c Certainty) String() string {
	switch c {
	case Certain:
		return "certain"
	case Uncertain:
		return "uncertain"
	default:
		return "invalid"
	}
}

func (c Certainty) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Certainty) UnmarshalText(b []byte) error {
	switch string(b) {
	case "certain":
		*c = Certain
	case "uncertain":
		*c = Uncertain
	default:
		return fmt.Errorf("pod: unknown certainty %q", b)
	}
	return nil
}

// UnfinalizedDose is a dose whose completion or certainty is not yet resolved.
type UnfinalizedDose struct {
	ID        uuid.UUID     `yaml:"id"`
	Kind      DoseKind      `yaml:"kind"`
	Units     float64       `yaml:"units"` // programmed units; temp basal: rate * duration
	Rate      float64       `yaml:"rate"`  // U/h, temp basal only
	StartTime time.Time     `yaml:"start_time"`
	Duration  time.Duration `yaml:"duration"`
	Certainty Certainty     `yaml:"certainty"`
	Automatic bool          `yaml:"automatic"`
	// ProgrammingSeq is the message sequence the command was sent with. A
	// status response echoing it proves the pod received the command.
	ProgrammingSeq uint8 `yaml:"programming_seq"`
	// PriorEcho is the pod's last programming sequence as the host last saw
	// it before sending. An echo equal to it says nothing about this dose.
	PriorEcho         uint8     `yaml:"prior_echo"`
	PriorEchoKnown    bool      `yaml:"prior_echo_known"`
	CancelledAt       time.Time `yaml:"cancelled_at,omitempty"`
	UnitsNotDelivered float64   `yaml:"units_not_delivered"`
}

// NewBolus records a programmed bolus.
func NewBolus(units float64, duration time.Duration, start time.Time, c Certainty, seq uint8, automatic bool) UnfinalizedDose {
	return UnfinalizedDose{
		ID: uuid.New(), Kind: DoseBolus, Units: units, StartTime: start, Duration: duration,
		Certainty: c, ProgrammingSeq: seq, Automatic: automatic,
	}
}

// NewTempBasal records a programmed temp basal.
func NewTempBasal(rate float64, duration time.Duration, start time.Time, c Certainty, seq uint8, automatic bool) UnfinalizedDose {
	return UnfinalizedDose{
		ID: uuid.New(), Kind: DoseTempBasal, Rate: rate, Units: rate * duration.Hours(),
		StartTime: start, Duration: duration, Certainty: c, ProgrammingSeq: seq, Automatic: automatic,
	}
}

// NewDeliveryChange records a suspend, resume, or basal schedule change.
func NewDeliveryChange(kind DoseKind, start time.Time, c Certainty, seq uint8) UnfinalizedDose {
	return UnfinalizedDose{ID: uuid.New(), Kind: kind, StartTime: start, Certainty: c, ProgrammingSeq: seq}
}

// MarkCertain resolves the dose as executed. There is no inverse.
func (d *UnfinalizedDose) MarkCertain() {
	d.Certainty = Certain
}

// Cancelled reports whether delivery was stopped before the programmed end.
func (d UnfinalizedDose) Cancelled() bool { return !d.CancelledAt.IsZero() }

// Cancel stops a running bolus or temp basal at the given time.
func (d *UnfinalizedDose) Cancel(at time.Time, unitsNotDelivered float64) {
	if d.Cancelled() || !at.Before(d.StartTime.Add(d.Duration)) {
		return
	}
	if at.Before(d.StartTime) {
		at = d.StartTime
	}
	d.CancelledAt = at
	switch d.Kind {
	case DoseBolus:
		d.UnitsNotDelivered = unitsNotDelivered
	case DoseTempBasal:
		d.UnitsNotDelivered = d.Units - d.Rate*at.Sub(d.StartTime).Hours()
	}
}

// EndTime is when delivery stops, or stopped.
func (d UnfinalizedDose) EndTime() time.Time {
	if d.Cancelled() {
		return d.CancelledAt
	}
	return d.StartTime.Add(d.Duration)
}

// IsFinished reports delivery completion. Boluses and temp basals finish when
// their programmed duration elapses or they are cancelled; the other kinds
// take effect immediately.
func (d UnfinalizedDose) IsFinished(now time.Time) bool {
	switch d.Kind {
	case DoseBolus, DoseTempBasal:
		return !now.Before(d.EndTime())
	default:
		return true
	}
}

// DeliveredUnits estimates insulin delivered by now.
func (d UnfinalizedDose) DeliveredUnits(now time.Time) float64 {
	switch d.Kind {
	case DoseBolus, DoseTempBasal:
	default:
		return 0
	}
	if d.IsFinished(now) {
		return d.Units - d.UnitsNotDelivered
	}
	if d.Duration <= 0 || now.Before(d.StartTime) {
		return 0
	}
	return d.Units * float64(now.Sub(d.StartTime)) / float64(d.Duration)
}

// FinalizedDose is handed to the storage delegate.
type FinalizedDose struct {
	ID              uuid.UUID `yaml:"id"`
	Kind            DoseKind  `yaml:"kind"`
	StartTime       time.Time `yaml:"start_time"`
	EndTime         time.Time `yaml:"end_time"`
	ProgrammedUnits float64   `yaml:"programmed_units"`
	DeliveredUnits  float64   `yaml:"delivered_units"`
	Rate            float64   `yaml:"rate"`
	Automatic       bool      `yaml:"automatic"`
}

// Finalize converts a certain, finished dose into its storage record.
func (d UnfinalizedDose) Finalize() FinalizedDose {
	end := d.EndTime()
	return FinalizedDose{
		ID:              d.ID,
		Kind:            d.Kind,
		StartTime:       d.StartTime,
		EndTime:         end,
		ProgrammedUnits: d.Units,
		DeliveredUnits:  d.DeliveredUnits(end),
		Rate:            d.Rate,
		Automatic:       d.Automatic,
	}
}
