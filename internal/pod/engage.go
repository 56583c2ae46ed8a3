package pod

import "fmt"

// EngageState marks a delivery category as mid-transition for one command
// round trip.
type EngageState int

const (
	Stable EngageState = iota
	Engaging
	Disengaging
)

func (e EngageState) String() string {
	switch e {
	case Stable:
		return "stable"
	case Engaging:
		return "engaging"
	case Disengaging:
		return "disengaging"
	default:
		return fmt.Sprintf("engage(%d)", int(e))
	}
}

// EngageCategory selects which EngageState a command drives.
type EngageCategory int

const (
	EngageSuspend EngageCategory = iota + 1
	EngageTempBasal
	EngageBolus
)

// EngageStates holds one EngageState per category. Not persisted: a restart
// always begins stable.
type EngageStates struct {
	Suspend   EngageState `yaml:"-"`
	TempBasal EngageState `yaml:"-"`
	Bolus     EngageState `yaml:"-"`
}

// Set updates the state for a category.
func (e *EngageStates) Set(c EngageCategory, s EngageState) {
	switch c {
	case EngageSuspend:
		e.Suspend = s
	case EngageTempBasal:
		e.TempBasal = s
	case EngageBolus:
		e.Bolus = s
	}
}

// Get returns the state for a category.
func (e EngageStates) Get(c EngageCategory) EngageState {
	switch c {
	case EngageSuspend:
		return e.Suspend
	case EngageTempBasal:
		return e.TempBasal
	case EngageBolus:
		return e.Bolus
	}
	return Stable
}

// AllStable reports no category mid-transition.
func (e EngageStates) AllStable() bool {
	return e.Suspend == Stable && e.TempBasal == Stable && e.Bolus == Stable
}
