package session

import (
	"fmt"

	"github.com/chaz8081/podlink/internal/pod/message"
)

// Result is the three-way classification of one command.
type Result int

const (
	// Success: the pod answered with a valid, sequence-matched response.
	Success Result = iota + 1
	// CertainFailure: the pod rejected the command, or it was never sent.
	CertainFailure
	// Unacknowledged: the command may have executed. Never treat as failure.
	Unacknowledged
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case CertainFailure:
		return "certainFailure"
	case Unacknowledged:
		return "unacknowledged"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// CommandOutcome is what Session.Send reports for one command.
type CommandOutcome struct {
	Result   Result
	Seq      uint8           // sequence the request was sent with
	Response message.Message // set on Success
	Err      error           // nil only on Success
}

// PodError is an explicit rejection carried by an ErrorResponse.
type PodError struct {
	Code      message.ErrorCode
	ResyncKey uint16
}

func (e *PodError) Error() string {
	return fmt.Sprintf("pod rejected command: %s", e.Code)
}
