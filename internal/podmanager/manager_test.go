package podmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/podlink/internal/pod"
	"github.com/chaz8081/podlink/internal/pod/message"
	"github.com/chaz8081/podlink/internal/pod/session"
	"github.com/chaz8081/podlink/internal/simulator"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStore struct {
	mu    sync.Mutex
	st    pod.State
	saves int
}

func (s *memStore) Load() (pod.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone(), nil
}

func (s *memStore) Save(st pod.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st.Clone()
	s.saves++
	return nil
}

type doseLog struct {
	mu    sync.Mutex
	doses []pod.FinalizedDose
}

func (d *doseLog) RecordDoses(_ context.Context, doses []pod.FinalizedDose, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doses = append(d.doses, doses...)
	return nil
}

func (d *doseLog) all() []pod.FinalizedDose {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pod.FinalizedDose(nil), d.doses...)
}

type watcher struct {
	mu         sync.Mutex
	lifecycles []pod.LifecycleState
	statuses   []pod.Status
}

func (w *watcher) LifecycleStateChanged(s pod.LifecycleState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lifecycles = append(w.lifecycles, s)
}

func (w *watcher) StatusChanged(s pod.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statuses = append(w.statuses, s)
}

type harness struct {
	clock *fakeClock
	sim   *simulator.Pod
	store *memStore
	doses *doseLog
	m     *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{now: time.Date(2026, 7, 1, 6, 0, 0, 0, time.UTC)},
		store: &memStore{},
		doses: &doseLog{},
	}
	sopts := simulator.DefaultOptions()
	sopts.Now = h.clock.Now
	h.sim = simulator.New(sopts)
	h.m = h.open(t)
	return h
}

func (h *harness) open(t *testing.T) *Manager {
	t.Helper()
	opts := session.DefaultOptions()
	opts.Now = h.clock.Now
	m, err := New(h.sim, h.store, h.doses, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.m.Pair(ctx))
	wait, err := h.m.Prime(ctx)
	require.NoError(t, err)
	h.clock.Advance(wait)
	require.NoError(t, h.m.InsertCannula(ctx, []float64{1.0}))
	require.Equal(t, pod.Active, h.m.Status().Lifecycle)
	h.clock.Advance(time.Minute)
}

func TestActivationNotifiesInOrder(t *testing.T) {
	h := newHarness(t)
	w := &watcher{}
	h.m.AddObserver(w)

	h.activate(t)
	require.NoError(t, h.m.Close())

	assert.Equal(t, []pod.LifecycleState{pod.Pairing, pod.Priming, pod.CannulaInsertionPending, pod.Active}, w.lifecycles)
	require.NotEmpty(t, w.statuses)
	assert.Equal(t, pod.Active, w.statuses[len(w.statuses)-1].Lifecycle)
}

func TestRemovedObserverIsNotCalled(t *testing.T) {
	h := newHarness(t)
	kept, removed := &watcher{}, &watcher{}
	h.m.AddObserver(kept)
	h.m.RemoveObserver(h.m.AddObserver(removed))

	require.NoError(t, h.m.Pair(context.Background()))
	require.NoError(t, h.m.Close())

	assert.NotEmpty(t, kept.lifecycles)
	assert.Empty(t, removed.lifecycles)
	assert.Empty(t, removed.statuses)
}

func TestRefusedCommandsNeverOpenTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.m.Bolus(ctx, 1)
	var conflict *pod.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, pod.ConflictNoPod, conflict.Reason)

	require.NoError(t, h.m.Pair(ctx))
	opened := h.sim.Snapshot().OpenedSessions

	refused := map[string]func() error{
		"bolus":      func() error { return h.m.Bolus(ctx, 1) },
		"cancel":     func() error { return h.m.CancelBolus(ctx) },
		"temp basal": func() error { return h.m.SetTempBasal(ctx, 1, time.Hour, false) },
		"suspend":    func() error { return h.m.Suspend(ctx) },
		"auto bolus": func() error { return h.m.AutomaticBolus(ctx, 0.5) },
	}
	for name, fn := range refused {
		assert.True(t, errors.Is(fn(), pod.ErrStateConflict), name)
	}
	assert.Equal(t, opened, h.sim.Snapshot().OpenedSessions)
	assert.Equal(t, pod.Priming, h.m.Status().Lifecycle)
}

func TestUncertainBolusBlocksSecondBolus(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	h.sim.DropRequests(1)
	err := h.m.Bolus(ctx, 1)
	require.True(t, pod.IsUncertain(err))
	assert.Equal(t, 1, h.m.Status().Uncertain)

	before := h.sim.Snapshot()
	err = h.m.Bolus(ctx, 1)
	assert.True(t, pod.IsUnfinalizedDoseInProgress(err))
	after := h.sim.Snapshot()
	assert.Equal(t, before.OpenedSessions, after.OpenedSessions)
	assert.Equal(t, before.Requests, after.Requests)

	// Within the settle window the status is ambiguous.
	_, err = h.m.ResolveUncertainty(ctx)
	assert.True(t, errors.Is(err, ErrStillUncertain))
	assert.True(t, pod.IsUncertain(err))

	h.clock.Advance(2 * time.Minute)
	status, err := h.m.ResolveUncertainty(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Uncertain)
	assert.Zero(t, status.Unfinalized)
	assert.Empty(t, h.doses.all())

	require.NoError(t, h.m.Bolus(ctx, 1))
}

func TestLostResponseConfirmedAndStoredOnce(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	h.sim.DropResponses(1)
	require.True(t, pod.IsUncertain(h.m.Bolus(ctx, 1)))

	h.clock.Advance(time.Minute)
	_, err := h.m.GetStatus(ctx)
	require.NoError(t, err)
	_, err = h.m.GetStatus(ctx)
	require.NoError(t, err)

	doses := h.doses.all()
	require.Len(t, doses, 1)
	assert.Equal(t, pod.DoseBolus, doses[0].Kind)
	assert.InDelta(t, 1.0, doses[0].DeliveredUnits, 1e-9)
	assert.Empty(t, h.m.State().PendingDoses)
}

func TestEngageStatesReturnToStable(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()
	w := &watcher{}
	h.m.AddObserver(w)

	require.NoError(t, h.m.Bolus(ctx, 0.5))
	assert.True(t, h.m.Status().Engage.AllStable())

	h.clock.Advance(time.Minute)
	h.sim.FailTransmits(1)
	require.Error(t, h.m.SetTempBasal(ctx, 1, time.Hour, false))
	assert.True(t, h.m.Status().Engage.AllStable())

	h.sim.FailOpens(1)
	require.Error(t, h.m.Suspend(ctx))
	assert.True(t, h.m.Status().Engage.AllStable())

	require.NoError(t, h.m.Close())
	var sawBolus, sawTemp, sawSuspend bool
	for _, s := range w.statuses {
		sawBolus = sawBolus || s.Engage.Bolus == pod.Engaging
		sawTemp = sawTemp || s.Engage.TempBasal == pod.Engaging
		sawSuspend = sawSuspend || s.Engage.Suspend == pod.Engaging
	}
	assert.True(t, sawBolus)
	assert.True(t, sawTemp)
	assert.True(t, sawSuspend)
	assert.True(t, w.statuses[len(w.statuses)-1].Engage.AllStable())
}

func TestAutomaticBolusStatusCheck(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	require.True(t, h.m.State().CanSkipStatusCheck(h.clock.Now()))
	before := h.sim.Snapshot().Requests
	require.NoError(t, h.m.AutomaticBolus(ctx, 0.1))
	assert.Equal(t, before+1, h.sim.Snapshot().Requests)

	h.clock.Advance(time.Minute)
	h.m.Update(func(st *pod.State) { st.DeliveryStatusVerified = false })
	before = h.sim.Snapshot().Requests
	require.NoError(t, h.m.AutomaticBolus(ctx, 0.1))
	assert.Equal(t, before+2, h.sim.Snapshot().Requests)

	for _, d := range h.m.State().UnfinalizedDoses {
		assert.True(t, d.Automatic)
	}
}

func TestSetTempBasalReplacesRunning(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	require.NoError(t, h.m.SetTempBasal(ctx, 1.5, time.Hour, false))
	h.clock.Advance(10 * time.Minute)

	before := h.sim.Snapshot().Requests
	require.NoError(t, h.m.SetTempBasal(ctx, 0.5, 30*time.Minute, false))
	assert.Equal(t, before+2, h.sim.Snapshot().Requests)
	assert.Equal(t, message.DeliveryTempBasalRunning, h.sim.Snapshot().Delivery)

	doses := h.doses.all()
	require.Len(t, doses, 1)
	assert.Equal(t, 1.5, doses[0].Rate)
	assert.InDelta(t, 0.25, doses[0].DeliveredUnits, 1e-9)

	st := h.m.State()
	require.Len(t, st.UnfinalizedDoses, 1)
	assert.Equal(t, 0.5, st.UnfinalizedDoses[0].Rate)
}

func TestFaultThenDeactivate(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()
	w := &watcher{}
	h.m.AddObserver(w)

	h.sim.InjectFault(message.FaultOcclusion)
	_, err := h.m.GetStatus(ctx)
	require.True(t, errors.Is(err, pod.ErrDeviceFault))
	status := h.m.Status()
	assert.Equal(t, pod.Faulted, status.Lifecycle)
	assert.Equal(t, message.FaultOcclusion, status.FaultCode)

	assert.True(t, errors.Is(h.m.Bolus(ctx, 1), pod.ErrStateConflict))

	require.NoError(t, h.m.Deactivate(ctx))
	assert.Equal(t, pod.NoPod, h.m.Status().Lifecycle)
	assert.Nil(t, h.m.State().Identity)

	require.NoError(t, h.m.Close())
	assert.Equal(t, []pod.LifecycleState{pod.Faulted, pod.Deactivating, pod.NoPod}, w.lifecycles)
}

func TestStateRestoredFromStore(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Pair(context.Background()))
	require.NoError(t, h.m.Close())
	assert.Positive(t, h.store.saves)

	want := h.m.State()
	m := h.open(t)
	got := m.State()
	assert.Equal(t, pod.Priming, got.Lifecycle)
	require.NotNil(t, got.Identity)
	assert.Equal(t, want.Identity.Address, got.Identity.Address)
	assert.Equal(t, want.NonceSeed, got.NonceSeed)
	assert.Equal(t, want.MessageSeq, got.MessageSeq)

	// The restored manager keeps talking to the same pod.
	wait, err := m.Prime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 52*time.Second, wait)
}

func TestPairRetryResumesPersistedAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.DropResponses(1)
	require.True(t, pod.IsUncertain(h.m.Pair(ctx)))
	first := h.m.State()
	assert.Equal(t, pod.Pairing, first.Lifecycle)
	assert.Nil(t, first.Identity)
	require.NotZero(t, first.PairingAddress)
	// The pod took the address before its reply was lost.
	assert.Equal(t, first.PairingAddress, h.sim.Snapshot().Address)

	require.NoError(t, h.m.Close())
	h.m = h.open(t)
	assert.Equal(t, first.PairingAddress, h.m.State().PairingAddress)
	require.NoError(t, h.m.Pair(ctx))

	st := h.m.State()
	assert.Equal(t, pod.Priming, st.Lifecycle)
	require.NotNil(t, st.Identity)
	assert.Equal(t, first.PairingAddress, st.Identity.Address)
	assert.Equal(t, first.PairingAddress, h.sim.Snapshot().Address)
	assert.Equal(t, message.ProgressPairingCompleted, h.sim.Snapshot().Progress)
}

func TestForget(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	require.NoError(t, h.m.SetTempBasal(ctx, 2, time.Hour, false))
	h.clock.Advance(15 * time.Minute)
	h.m.Forget()

	st := h.m.State()
	assert.Equal(t, pod.NoPod, st.Lifecycle)
	assert.Nil(t, st.Identity)
	require.Len(t, st.PendingDoses, 1)
	assert.InDelta(t, 0.5, st.PendingDoses[0].DeliveredUnits, 1e-9)

	// The forgotten pod ignores a new pairing address, but the session
	// still flushes the storage queue.
	assert.True(t, pod.IsUncertain(h.m.Pair(ctx)))
	assert.Empty(t, h.m.State().PendingDoses)
	assert.Len(t, h.doses.all(), 1)
}

func TestClosedManagerRefusesCommands(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Close())
	assert.ErrorIs(t, h.m.Pair(context.Background()), ErrClosed)
	assert.NoError(t, h.m.Close())
}
