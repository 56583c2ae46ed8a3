// Package session runs command sessions against one pod: it serializes access
// to the transport, encodes and validates frames, classifies every command as
// success, certain failure, or unacknowledged, and folds responses into the
// pod state.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/chaz8081/podlink/internal/pod"
)

// Transport errors with a fixed outcome class. Any other error returned by
// Exchange is treated like ErrTimeout: the request may have reached the pod.
var (
	// ErrTimeout: the request was sent but no response arrived in time.
	ErrTimeout = errors.New("session: response timeout")
	// ErrNotTransmitted: the transport failed before any byte left the host.
	ErrNotTransmitted = errors.New("session: request not transmitted")
)

// Transport carries one request frame and returns the response frame.
// Delivery is at most once and in order; Exchange never retries.
type Transport interface {
	Exchange(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

// Provider supplies a session-capable transport to the pod.
type Provider interface {
	OpenSession(ctx context.Context) (Transport, error)
}

// DoseRecorder durably stores finalized doses. A nil error is the ack the
// session waits for before releasing the transport.
type DoseRecorder interface {
	RecordDoses(ctx context.Context, doses []pod.FinalizedDose, syncTime time.Time) error
}

// StateAccess is the single serialized mutation point for pod state.
type StateAccess interface {
	Snapshot() pod.State
	Update(func(*pod.State))
}
