// Package simulator is an in-process pod that speaks the pod message
// protocol. It implements session.Provider so the manager can run against it
// in place of a radio link, and lets tests inject dropped requests, lost
// responses, corrupted frames, nonce desync, and faults.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chaz8081/podlink/internal/pod/message"
	"github.com/chaz8081/podlink/internal/pod/session"
)

// Alert bits raised by the simulated pod.
const (
	AlertLowReservoir uint8 = 0x20
	AlertExpiring     uint8 = 0x80
)

// Pod lifetime limits.
const (
	ExpiryWarning = 72 * time.Hour
	MaxLife       = 80 * time.Hour
	LowReservoir  = 10.0 // U
)

// Options configures a simulated pod.
type Options struct {
	Lot            uint32
	TID            uint32
	ReservoirUnits float64
	// Latency delays every response. A latency longer than the command
	// timeout makes the exchange time out after the pod has acted.
	Latency time.Duration
	Now     func() time.Time
}

// DefaultOptions returns a fresh 200 U pod.
func DefaultOptions() Options {
	return Options{
		Lot:            44147,
		TID:            1100256,
		ReservoirUnits: 200,
		Now:            time.Now,
	}
}

// Pod is a simulated pod. Safe for concurrent use.
type Pod struct {
	mu   sync.Mutex
	opts Options

	address     uint32
	progress    message.PodProgress
	activatedAt time.Time
	phaseEnd    time.Time
	lastTick    time.Time

	reservoir float64
	delivered float64

	schedule      []float64
	scheduleStart time.Duration
	scheduleSetAt time.Time
	suspended     bool
	tempRate      float64
	tempEnd       time.Time

	bolusPulses    uint16
	bolusDone      uint16
	bolusStart     time.Time
	bolusInterval  time.Duration
	notDelivered   uint16
	lastProgSeq    uint8
	alerts         uint8
	fault          message.FaultCode
	faultMinutes   uint16
	nonceSeed      uint32
	nonceCount     uint32
	requests       int
	injected       injections
	openedSessions int
}

type injections struct {
	failOpen, failTransmit, dropRequest, dropResponse, corrupt int
}

// New creates an unpaired pod.
func New(opts Options) *Pod {
	def := DefaultOptions()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReservoirUnits <= 0 {
		opts.ReservoirUnits = def.ReservoirUnits
	}
	if opts.Lot == 0 {
		opts.Lot = def.Lot
	}
	if opts.TID == 0 {
		opts.TID = def.TID
	}
	return &Pod{
		opts:      opts,
		progress:  message.ProgressTankFillCompleted,
		reservoir: opts.ReservoirUnits,
		nonceSeed: message.NonceSeed(opts.Lot, opts.TID, 0),
		lastTick:  opts.Now(),
	}
}

// FailOpens makes the next n OpenSession calls fail.
func (p *Pod) FailOpens(n int) { p.inject(func(i *injections) { i.failOpen += n }) }

// FailTransmits makes the next n exchanges fail before transmission.
func (p *Pod) FailTransmits(n int) { p.inject(func(i *injections) { i.failTransmit += n }) }

// DropRequests loses the next n requests before the pod sees them.
func (p *Pod) DropRequests(n int) { p.inject(func(i *injections) { i.dropRequest += n }) }

// DropResponses lets the pod act on the next n requests but loses the replies.
func (p *Pod) DropResponses(n int) { p.inject(func(i *injections) { i.dropResponse += n }) }

// CorruptResponses flips a CRC bit in the next n replies.
func (p *Pod) CorruptResponses(n int) { p.inject(func(i *injections) { i.corrupt += n }) }

func (p *Pod) inject(fn func(*injections)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.injected)
}

// DesyncNonce moves the pod's nonce sequence away from the host's.
func (p *Pod) DesyncNonce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceCount += 7
}

// InjectFault faults the pod immediately.
func (p *Pod) InjectFault(code message.FaultCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	p.tick(now)
	p.setFault(code, now)
}

// Snapshot describes the simulated pod for tests and the demo.
type Snapshot struct {
	Address        uint32
	Progress       message.PodProgress
	Delivery       message.DeliveryStatus
	Reservoir      float64
	Delivered      float64
	Fault          message.FaultCode
	Requests       int
	OpenedSessions int
}

// Snapshot returns the pod's current condition.
func (p *Pod) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	p.tick(now)
	return Snapshot{
		Address:        p.address,
		Progress:       p.progress,
		Delivery:       p.deliveryStatus(now),
		Reservoir:      p.reservoir,
		Delivered:      p.delivered,
		Fault:          p.fault,
		Requests:       p.requests,
		OpenedSessions: p.openedSessions,
	}
}

// OpenSession implements session.Provider.
func (p *Pod) OpenSession(ctx context.Context) (session.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.injected.failOpen > 0 {
		p.injected.failOpen--
		return nil, errors.New("simulator: pod not in range")
	}
	p.openedSessions++
	return &link{pod: p}, nil
}

type link struct {
	pod    *Pod
	mu     sync.Mutex
	closed bool
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Exchange implements session.Transport.
func (l *link) Exchange(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: link closed", session.ErrNotTransmitted)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrNotTransmitted, err)
	}

	resp, err := l.pod.receive(frame)
	if err != nil {
		return nil, err
	}

	if lat := l.pod.opts.Latency; lat > 0 {
		wait := min(lat, timeout)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if lat > timeout {
			return nil, session.ErrTimeout
		}
	}
	return resp, nil
}

// receive runs one request through the pod and returns the reply frame.
func (p *Pod) receive(frame []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++

	if p.injected.failTransmit > 0 {
		p.injected.failTransmit--
		return nil, session.ErrNotTransmitted
	}
	if p.injected.dropRequest > 0 {
		p.injected.dropRequest--
		slog.Debug("[SIM] request lost")
		return nil, session.ErrTimeout
	}

	req, err := message.Decode(frame)
	if err != nil {
		slog.Debug("[SIM] ignoring undecodable frame", "error", err)
		return nil, session.ErrTimeout
	}
	if p.address != 0 && req.Address != p.address {
		slog.Debug("[SIM] ignoring frame for another pod", "address", fmt.Sprintf("%08x", req.Address))
		return nil, session.ErrTimeout
	}

	now := p.opts.Now()
	p.tick(now)
	var reply message.Block
	for _, b := range req.Blocks {
		reply = p.handle(b, req.Seq, now)
		if _, rejected := reply.(message.ErrorResponse); rejected {
			break
		}
	}
	out, err := message.Encode(message.Message{Address: req.Address, Seq: message.NextSeq(req.Seq, 1), Blocks: []message.Block{reply}})
	if err != nil {
		return nil, fmt.Errorf("simulator: encode reply: %w", err)
	}

	if p.injected.dropResponse > 0 {
		p.injected.dropResponse--
		slog.Debug("[SIM] response lost", "seq", req.Seq)
		return nil, session.ErrTimeout
	}
	if p.injected.corrupt > 0 {
		p.injected.corrupt--
		out[len(out)-1] ^= 0x01
	}
	return out, nil
}

func (p *Pod) handle(b message.Block, seq uint8, now time.Time) message.Block {
	illegal := message.ErrorResponse{Code: message.ErrorIllegalCommand}

	if gs, ok := b.(message.GetStatusCommand); ok {
		if gs.InfoType == message.PodInfoDetailed {
			return p.detailedStatus(now)
		}
		return p.status(now)
	}
	if p.progress.Faulted() {
		if _, ok := b.(message.DeactivatePodCommand); !ok {
			return p.status(now)
		}
	}
	if p.progress == message.ProgressInactive {
		return illegal
	}

	switch c := b.(type) {
	case message.AssignAddressCommand:
		if p.progress > message.ProgressTankFillCompleted && c.Address != p.address {
			return illegal
		}
		p.address = c.Address
		return p.version()
	case message.SetupPodCommand:
		if p.address == 0 || c.Address != p.address || c.Lot != p.opts.Lot || c.TID != p.opts.TID {
			return message.ErrorResponse{Code: message.ErrorBadParameters}
		}
		if p.progress < message.ProgressPairingCompleted {
			p.progress = message.ProgressPairingCompleted
		}
		return p.version()
	}

	nb, ok := b.(message.NonceBlock)
	if !ok {
		return illegal
	}
	if rej, ok := p.checkNonce(nb); !ok {
		return rej
	}

	switch c := b.(type) {
	case message.BolusCommand:
		switch {
		case p.progress == message.ProgressPairingCompleted:
			p.progress = message.ProgressPriming
			p.phaseEnd = now.Add(c.Duration())
			p.startBolus(c, now)
		case p.progress == message.ProgressBasalInitialized:
			p.progress = message.ProgressInsertingCannula
			p.phaseEnd = now.Add(c.Duration())
			p.activatedAt = now
			p.startBolus(c, now)
		case p.progress.Running() && !p.suspended && p.bolusPulses == 0:
			p.startBolus(c, now)
			p.lastProgSeq = seq
		default:
			return illegal
		}
	case message.TempBasalCommand:
		if !p.progress.Running() || p.suspended {
			return illegal
		}
		p.tempRate = c.Rate
		p.tempEnd = now.Add(c.Duration)
		p.lastProgSeq = seq
	case message.BasalScheduleCommand:
		switch {
		case p.progress == message.ProgressPrimingCompleted:
			p.progress = message.ProgressBasalInitialized
		case p.progress.Running():
			p.suspended = false
			p.lastProgSeq = seq
		default:
			return illegal
		}
		p.schedule = append([]float64(nil), c.Rates...)
		p.scheduleStart = c.ScheduleStart
		p.scheduleSetAt = now
	case message.CancelDeliveryCommand:
		if !p.progress.Running() {
			return illegal
		}
		if c.Delivery&message.DeliveryBolus != 0 {
			p.stopBolus()
		}
		if c.Delivery&message.DeliveryTempBasal != 0 {
			p.tempEnd = time.Time{}
		}
		if c.Delivery&message.DeliveryBasal != 0 {
			p.suspended = true
			p.tempEnd = time.Time{}
		}
		p.lastProgSeq = seq
	case message.AcknowledgeAlertsCommand:
		p.alerts &^= c.Mask
	case message.DeactivatePodCommand:
		p.stopBolus()
		p.tempEnd = time.Time{}
		p.progress = message.ProgressInactive
		p.lastProgSeq = seq
	default:
		return illegal
	}
	return p.status(now)
}

func (p *Pod) checkNonce(nb message.NonceBlock) (message.Block, bool) {
	var got uint32
	switch c := nb.(type) {
	case message.BolusCommand:
		got = c.Nonce
	case message.TempBasalCommand:
		got = c.Nonce
	case message.BasalScheduleCommand:
		got = c.Nonce
	case message.CancelDeliveryCommand:
		got = c.Nonce
	case message.AcknowledgeAlertsCommand:
		got = c.Nonce
	case message.DeactivatePodCommand:
		got = c.Nonce
	}
	if got == message.Nonce(p.nonceSeed, p.nonceCount) {
		p.nonceCount++
		return nil, true
	}
	key := uint16(rand.Uint32N(0xffff)) + 1
	p.nonceSeed = message.NonceSeed(p.opts.Lot, p.opts.TID, key)
	p.nonceCount = 0
	slog.Debug("[SIM] bad nonce", "resync_key", key)
	return message.ErrorResponse{Code: message.ErrorBadNonce, NonceResyncKey: key}, false
}

func (p *Pod) startBolus(c message.BolusCommand, now time.Time) {
	p.bolusPulses = c.Pulses
	p.bolusDone = 0
	p.bolusStart = now
	p.bolusInterval = c.PulseInterval
	p.notDelivered = 0
}

func (p *Pod) stopBolus() {
	if p.bolusPulses == 0 {
		return
	}
	p.notDelivered = p.bolusPulses - p.bolusDone
	p.bolusPulses = 0
	p.bolusDone = 0
}

func (p *Pod) setFault(code message.FaultCode, now time.Time) {
	if p.progress.Faulted() || p.progress == message.ProgressInactive {
		return
	}
	slog.Info("[SIM] pod fault", "code", code)
	p.stopBolus()
	p.tempEnd = time.Time{}
	p.suspended = true
	p.fault = code
	p.faultMinutes = p.minutesActive(now)
	p.progress = message.ProgressFaultEventOccurred
}

// tick advances delivery from the last tick to now.
func (p *Pod) tick(now time.Time) {
	defer func() { p.lastTick = now }()
	if p.progress.Faulted() || p.progress == message.ProgressInactive || !now.After(p.lastTick) {
		return
	}

	if p.bolusPulses > 0 && p.bolusInterval > 0 {
		elapsed := int64(now.Sub(p.bolusStart) / p.bolusInterval)
		due := uint16(min(elapsed, int64(p.bolusPulses)))
		if due > p.bolusDone {
			p.consume(message.PulsesToUnits(due-p.bolusDone), now)
			p.bolusDone = due
		}
		if p.bolusDone >= p.bolusPulses {
			p.bolusPulses, p.bolusDone = 0, 0
		}
	}

	switch {
	case p.progress == message.ProgressPriming && !now.Before(p.phaseEnd):
		p.progress = message.ProgressPrimingCompleted
	case p.progress == message.ProgressInsertingCannula && !now.Before(p.phaseEnd):
		p.progress = message.ProgressAboveFiftyUnits
	}

	if p.progress.Running() && !p.suspended {
		for t := p.lastTick; t.Before(now); {
			end := now
			if p.tempEnd.After(t) && p.tempEnd.Before(end) {
				end = p.tempEnd
			}
			p.consume(p.basalRate(t)*end.Sub(t).Hours(), now)
			t = end
		}
	}

	if p.progress.Running() {
		if p.reservoir <= 50 {
			p.progress = message.ProgressFiftyOrLessUnits
		}
		if p.reservoir < LowReservoir {
			p.alerts |= AlertLowReservoir
		}
		age := now.Sub(p.activatedAt)
		if age >= ExpiryWarning {
			p.alerts |= AlertExpiring
		}
		if age >= MaxLife {
			p.setFault(message.FaultExceededMaxLife, now)
		}
	}
}

func (p *Pod) consume(units float64, now time.Time) {
	if units <= 0 {
		return
	}
	if units >= p.reservoir {
		p.delivered += p.reservoir
		p.reservoir = 0
		p.setFault(message.FaultEmptyReservoir, now)
		return
	}
	p.reservoir -= units
	p.delivered += units
}

func (p *Pod) basalRate(t time.Time) float64 {
	if t.Before(p.tempEnd) {
		return p.tempRate
	}
	if len(p.schedule) == 0 {
		return 0
	}
	offset := (t.Sub(p.scheduleSetAt) + p.scheduleStart) % (24 * time.Hour)
	return p.schedule[int(offset/(30*time.Minute))%len(p.schedule)]
}

func (p *Pod) minutesActive(now time.Time) uint16 {
	if p.activatedAt.IsZero() {
		return 0
	}
	return uint16(now.Sub(p.activatedAt) / time.Minute)
}

func (p *Pod) deliveryStatus(now time.Time) message.DeliveryStatus {
	switch {
	case p.progress == message.ProgressPriming || p.progress == message.ProgressInsertingCannula:
		return message.DeliveryPriming
	case !p.progress.Running() || p.suspended:
		return message.DeliverySuspended
	}
	temp := now.Before(p.tempEnd)
	switch {
	case p.bolusPulses > 0 && temp:
		return message.DeliveryBolusAndTempBasal
	case p.bolusPulses > 0:
		return message.DeliveryBolusInProgress
	case temp:
		return message.DeliveryTempBasalRunning
	}
	return message.DeliveryScheduledBasal
}

func (p *Pod) reservoirPulses() uint16 {
	if p.reservoir > 50 {
		return message.ReservoirAboveFifty
	}
	return message.UnitsToPulses(p.reservoir)
}

func (p *Pod) status(now time.Time) message.StatusResponse {
	return message.StatusResponse{
		DeliveryStatus:     p.deliveryStatus(now),
		Progress:           p.progress,
		PulsesDelivered:    message.UnitsToPulses(p.delivered) & 0x1fff,
		LastProgrammingSeq: p.lastProgSeq,
		PulsesNotDelivered: p.notDelivered & 0x3ff,
		Alerts:             p.alerts,
		MinutesActive:      p.minutesActive(now) & 0x1fff,
		ReservoirPulses:    p.reservoirPulses(),
	}
}

func (p *Pod) detailedStatus(now time.Time) message.PodInfoResponse {
	return message.PodInfoResponse{
		InfoType:           message.PodInfoDetailed,
		Progress:           p.progress,
		DeliveryStatus:     p.deliveryStatus(now),
		FaultCode:          p.fault,
		FaultMinutes:       p.faultMinutes,
		PulsesDelivered:    message.UnitsToPulses(p.delivered),
		PulsesNotDelivered: p.notDelivered,
		ReservoirPulses:    p.reservoirPulses(),
		MinutesActive:      p.minutesActive(now),
	}
}

func (p *Pod) version() message.VersionResponse {
	return message.VersionResponse{
		PMVersion: [3]uint8{2, 10, 0},
		PIVersion: [3]uint8{2, 10, 0},
		ProductID: 4,
		Progress:  p.progress,
		Lot:       p.opts.Lot,
		TID:       p.opts.TID,
		Address:   p.address,
	}
}
