// Package podmanager is the host-facing facade over one pod. It owns the
// canonical pod state, serializes every mutation through Update, persists
// the result, and notifies observers of lifecycle and status changes in
// mutation order from a single dispatcher goroutine.
package podmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/chaz8081/podlink/internal/pod"
	"github.com/chaz8081/podlink/internal/pod/session"
)

// Observer receives state change notifications. Calls never overlap and
// arrive in mutation order, off the mutation's critical section.
type Observer interface {
	LifecycleStateChanged(pod.LifecycleState)
	StatusChanged(pod.Status)
}

// ObserverHandle identifies a registered observer.
type ObserverHandle uint64

// StateStore persists pod state across restarts.
type StateStore interface {
	Load() (pod.State, error)
	Save(pod.State) error
}

// ErrClosed is returned by operations after Close.
var ErrClosed = errors.New("podmanager: closed")

type notification struct {
	lifecycle *pod.LifecycleState
	status    *pod.Status
}

type observerEntry struct {
	handle ObserverHandle
	obs    Observer
}

// Manager drives one pod.
type Manager struct {
	engine *session.Engine
	store  StateStore

	mu    sync.Mutex
	state pod.State

	obsMu      sync.Mutex
	observers  []observerEntry
	nextHandle ObserverHandle

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []notification
	closed bool
	done   chan struct{}
}

// New creates a manager, restoring state from store when one is given.
func New(provider session.Provider, store StateStore, recorder session.DoseRecorder, opts session.Options) (*Manager, error) {
	m := &Manager{store: store, done: make(chan struct{})}
	m.qcond = sync.NewCond(&m.qmu)
	if store != nil {
		st, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("podmanager: load state: %w", err)
		}
		st.Engage = pod.EngageStates{}
		m.state = st
		slog.Info("[POD] state restored", "lifecycle", st.Lifecycle, "unfinalized", len(st.UnfinalizedDoses), "pending", len(st.PendingDoses))
	}
	m.engine = session.NewEngine(provider, m, recorder, opts)
	go m.dispatch()
	return m, nil
}

// Snapshot returns a copy of the pod state. It implements session.StateAccess.
func (m *Manager) Snapshot() pod.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// State returns a copy of the full pod state.
func (m *Manager) State() pod.State { return m.Snapshot() }

// Status returns the observable projection of the pod state.
func (m *Manager) Status() pod.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status()
}

// Update is the single mutation entry point. It applies fn, persists the
// result, and queues one notification per changed projection.
func (m *Manager) Update(fn func(*pod.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldStatus := m.state.Status()
	fn(&m.state)
	newStatus := m.state.Status()

	if m.store != nil {
		if err := m.store.Save(m.state); err != nil {
			slog.Error("[POD] persisting state failed", "error", err)
		}
	}

	var n notification
	if newStatus.Lifecycle != oldStatus.Lifecycle {
		lc := newStatus.Lifecycle
		n.lifecycle = &lc
	}
	if newStatus != oldStatus {
		n.status = &newStatus
	}
	if n.lifecycle != nil || n.status != nil {
		m.enqueue(n)
	}
}

// AddObserver registers o and returns the handle that removes it.
func (m *Manager) AddObserver(o Observer) ObserverHandle {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextHandle++
	m.observers = append(m.observers, observerEntry{handle: m.nextHandle, obs: o})
	return m.nextHandle
}

// RemoveObserver unregisters an observer. Unknown handles are ignored.
func (m *Manager) RemoveObserver(h ObserverHandle) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = slices.DeleteFunc(m.observers, func(e observerEntry) bool { return e.handle == h })
}

func (m *Manager) enqueue(n notification) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, n)
	m.qcond.Signal()
}

func (m *Manager) dispatch() {
	defer close(m.done)
	for {
		m.qmu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.qcond.Wait()
		}
		if len(m.queue) == 0 {
			m.qmu.Unlock()
			return
		}
		n := m.queue[0]
		m.queue = m.queue[1:]
		m.qmu.Unlock()

		m.obsMu.Lock()
		observers := slices.Clone(m.observers)
		m.obsMu.Unlock()
		for _, e := range observers {
			if n.lifecycle != nil {
				e.obs.LifecycleStateChanged(*n.lifecycle)
			}
			if n.status != nil {
				e.obs.StatusChanged(*n.status)
			}
		}
	}
}

// Close delivers queued notifications and stops the dispatcher.
func (m *Manager) Close() error {
	m.qmu.Lock()
	if m.closed {
		m.qmu.Unlock()
		return nil
	}
	m.closed = true
	m.qcond.Broadcast()
	m.qmu.Unlock()
	<-m.done
	return nil
}

func (m *Manager) isClosed() bool {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return m.closed
}

// precheck refuses a command on the current snapshot, before any session
// is opened.
func (m *Manager) precheck(cmd pod.CommandKind) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.Snapshot().CheckCommand(cmd, m.engine.Now())
}

// engage marks a delivery category as mid-transition and returns the
// function that restores it to stable.
func (m *Manager) engage(c pod.EngageCategory, e pod.EngageState) func() {
	m.Update(func(st *pod.State) { st.Engage.Set(c, e) })
	return func() {
		m.Update(func(st *pod.State) { st.Engage.Set(c, pod.Stable) })
	}
}

func (m *Manager) run(ctx context.Context, name string, fn func(*session.Session) error) error {
	if err := m.engine.RunSession(ctx, name, fn); err != nil {
		return fmt.Errorf("podmanager: %s: %w", name, err)
	}
	return nil
}
