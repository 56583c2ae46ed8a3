package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/podlink/internal/pod"
	"github.com/chaz8081/podlink/internal/pod/message"
)

// Options configures the session engine.
type Options struct {
	CommandTimeout time.Duration // per command, not per session
	StatusRetries  int           // extra attempts for status reads only
	SettleWindow   time.Duration // after this, an uncorroborated dose was not executed
	StorageTimeout time.Duration // bound on the storage ack
	Now            func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		CommandTimeout: 10 * time.Second,
		StatusRetries:  2,
		SettleWindow:   time.Minute,
		StorageTimeout: 30 * time.Second,
		Now:            time.Now,
	}
}

// Engine grants one session at a time for a pod.
type Engine struct {
	provider Provider
	state    StateAccess
	recorder DoseRecorder
	opts     Options

	token chan struct{}
}

// NewEngine creates an engine. recorder may be nil, in which case finalized
// doses are logged and dropped from the queue.
func NewEngine(provider Provider, state StateAccess, recorder DoseRecorder, opts Options) *Engine {
	def := DefaultOptions()
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.StatusRetries < 0 {
		opts.StatusRetries = 0
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = def.SettleWindow
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = def.StorageTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		provider: provider,
		state:    state,
		recorder: recorder,
		opts:     opts,
		token:    make(chan struct{}, 1),
	}
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.opts.Now() }

// RunSession runs fn with exclusive use of the pod transport. Calls queue
// behind the active session. Whatever fn returns, finalized doses are handed
// to the recorder and the transport is closed before the next session starts.
func (e *Engine) RunSession(ctx context.Context, name string, fn func(*Session) error) error {
	select {
	case e.token <- struct{}{}:
	case <-ctx.Done():
		return &pod.CommsError{Class: pod.ErrCertainFailure, Op: "session: " + name, Err: ctx.Err()}
	}
	defer func() { <-e.token }()

	id := uuid.New()
	log := slog.With("session", id.String()[:8], "name", name)
	log.Debug("[SESSION] start")

	t, err := e.provider.OpenSession(ctx)
	if err != nil {
		e.state.Update(func(st *pod.State) { st.LastCommsOK = false })
		log.Warn("[SESSION] open failed", "error", err)
		return &pod.CommsError{Class: pod.ErrCertainFailure, Op: "session: open " + name, Err: err}
	}
	defer func() {
		if cerr := t.Close(); cerr != nil {
			log.Warn("[SESSION] close failed", "error", cerr)
		}
	}()

	s := &Session{engine: e, transport: t, name: name, log: log}
	err = fn(s)
	e.storeFinalized(ctx, log)
	log.Debug("[SESSION] end", "error", err)
	return err
}

// storeFinalized moves finished doses to the pending queue and blocks until
// the recorder acknowledges them. Unacknowledged doses stay queued and are
// offered again at the end of the next session.
func (e *Engine) storeFinalized(ctx context.Context, log *slog.Logger) {
	now := e.opts.Now()
	var pending []pod.FinalizedDose
	e.state.Update(func(st *pod.State) { pending = st.FinalizeDoses(now) })
	if len(pending) == 0 {
		return
	}
	if e.recorder == nil {
		log.Info("[SESSION] no dose store configured, dropping finalized doses", "count", len(pending))
		e.state.Update(func(st *pod.State) { st.MarkStored(pending, now) })
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.StorageTimeout)
	defer cancel()
	if err := e.recorder.RecordDoses(sctx, pending, now); err != nil {
		log.Error("[SESSION] storing doses failed, keeping them queued", "count", len(pending), "error", err)
		return
	}
	log.Info("[SESSION] doses stored", "count", len(pending))
	e.state.Update(func(st *pod.State) { st.MarkStored(pending, now) })
}

// Session is one exclusive use of the pod transport. It is only valid inside
// the function passed to RunSession.
type Session struct {
	engine    *Engine
	transport Transport
	name      string
	log       *slog.Logger
}

// applyFunc records the effect of a sent command. It runs inside the same
// state update that folds in the response, before reconciliation.
type applyFunc func(st *pod.State, seq uint8, c pod.Certainty)

// Send transmits one command and classifies the result. Nonce-protected
// blocks get fresh nonces; a bad-nonce rejection resyncs and re-sends once.
func (s *Session) Send(ctx context.Context, blocks ...message.Block) CommandOutcome {
	return s.send(ctx, blocks, nil)
}

func (s *Session) send(ctx context.Context, blocks []message.Block, apply applyFunc) CommandOutcome {
	op := opName(blocks)
	out := s.exchange(ctx, op, blocks, apply)

	var pe *PodError
	if out.Result == CertainFailure && errors.As(out.Err, &pe) && pe.Code == message.ErrorBadNonce && hasNonce(blocks) {
		s.log.Warn("[SESSION] bad nonce, resyncing", "op", op)
		s.engine.state.Update(func(st *pod.State) { st.ResyncNonce(pe.ResyncKey) })
		out = s.exchange(ctx, op, blocks, apply)
	}
	return out
}

func (s *Session) exchange(ctx context.Context, op string, blocks []message.Block, apply applyFunc) CommandOutcome {
	if err := ctx.Err(); err != nil {
		return failed(op, 0, pod.ErrCertainFailure, err)
	}
	if apply != nil {
		if out, ok := s.clearEcho(ctx, op); !ok {
			return out
		}
	}

	var msg message.Message
	s.engine.state.Update(func(st *pod.State) {
		msg = message.Message{Address: st.Address(), Seq: st.MessageSeq}
		for _, b := range blocks {
			if nb, ok := b.(message.NonceBlock); ok {
				b = nb.WithNonce(st.NextNonce())
			}
			msg.Blocks = append(msg.Blocks, b)
		}
	})
	frame, err := message.Encode(msg)
	if err != nil {
		return failed(op, msg.Seq, pod.ErrProtocol, err)
	}

	s.log.Debug("[SESSION] send", "op", op, "seq", msg.Seq)
	raw, err := s.transport.Exchange(ctx, frame, s.engine.opts.CommandTimeout)
	if errors.Is(err, ErrNotTransmitted) {
		s.engine.state.Update(func(st *pod.State) { st.LastCommsOK = false })
		s.log.Warn("[SESSION] not transmitted", "op", op, "error", err)
		return failed(op, msg.Seq, pod.ErrCertainFailure, err)
	}
	if err != nil {
		// The pod may have consumed the sequence and executed the command.
		s.engine.state.Update(func(st *pod.State) {
			st.MessageSeq = message.NextSeq(msg.Seq, 2)
			st.LastCommsOK = false
			st.DeliveryStatusVerified = false
			if apply != nil {
				apply(st, msg.Seq, pod.Uncertain)
			}
		})
		s.log.Warn("[SESSION] unacknowledged", "op", op, "seq", msg.Seq, "error", err)
		return failed(op, msg.Seq, pod.ErrUnacknowledged, err)
	}

	reply, err := validate(msg, raw)
	if err != nil {
		s.engine.state.Update(func(st *pod.State) {
			st.MessageSeq = message.NextSeq(msg.Seq, 2)
			st.LastCommsOK = false
			st.DeliveryStatusVerified = false
		})
		s.log.Warn("[SESSION] bad response", "op", op, "seq", msg.Seq, "error", err)
		return failed(op, msg.Seq, pod.ErrProtocol, err)
	}

	now := s.engine.opts.Now()
	var (
		out        CommandOutcome
		needDetail bool
	)
	s.engine.state.Update(func(st *pod.State) {
		st.MessageSeq = message.NextSeq(msg.Seq, 2)
		st.LastCommsOK = true
		out, needDetail = s.absorb(st, op, msg.Seq, reply, now, apply)
	})
	if needDetail {
		if _, derr := s.ReadFaultDetail(ctx); derr != nil {
			s.log.Warn("[SESSION] fault detail unavailable", "error", derr)
		}
		out.Err = s.faultError(op)
	}
	return out
}

// clearEcho keeps a programming command off the sequence the pod already
// echoes as its last programming command, so a later echo of that sequence
// can only mean this command ran. A status read moves the sequence on.
func (s *Session) clearEcho(ctx context.Context, op string) (CommandOutcome, bool) {
	collides := func() bool {
		st := s.engine.state.Snapshot()
		return st.LastStatus != nil && st.LastStatus.LastProgrammingSeq == st.MessageSeq
	}
	if !collides() {
		return CommandOutcome{}, true
	}
	s.log.Debug("[SESSION] sequence matches last programming echo, reading status first", "op", op)
	blocks := []message.Block{message.GetStatusCommand{InfoType: message.PodInfoStatus}}
	out := s.exchange(ctx, opName(blocks), blocks, nil)
	if errors.Is(out.Err, pod.ErrDeviceFault) {
		return out, false
	}
	if collides() {
		return failed(op, 0, pod.ErrCertainFailure, fmt.Errorf("status read before programming failed: %v", out.Err)), false
	}
	return CommandOutcome{}, true
}

// absorb folds a validated response into st. needDetail reports a fault
// seen in a short status that still needs its detail read.
func (s *Session) absorb(st *pod.State, op string, seq uint8, reply message.Message, now time.Time, apply applyFunc) (CommandOutcome, bool) {
	out := CommandOutcome{Result: Success, Seq: seq, Response: reply}

	if er, ok := reply.Block(message.TypeErrorResponse).(message.ErrorResponse); ok {
		s.log.Warn("[SESSION] pod rejected command", "op", op, "code", er.Code)
		out.Result = CertainFailure
		out.Err = &pod.CommsError{Class: pod.ErrCertainFailure, Op: op, Err: &PodError{Code: er.Code, ResyncKey: er.NonceResyncKey}}
		return out, false
	}

	status, hasStatus := reply.Block(message.TypeStatusResponse).(message.StatusResponse)
	info, hasInfo := reply.Block(message.TypePodInfoResponse).(message.PodInfoResponse)
	faulted := (hasStatus && status.Progress.Faulted()) || (hasInfo && info.FaultCode != message.FaultNone)
	newFault := faulted && st.Lifecycle != pod.Faulted

	if apply != nil && !faulted {
		apply(st, seq, pod.Certain)
	}
	if v, ok := reply.Block(message.TypeVersionResponse).(message.VersionResponse); ok {
		st.ApplyVersion(v, now)
	}
	switch {
	case hasInfo:
		st.ApplyFault(info, now)
	case hasStatus:
		st.ApplyStatus(status, now, s.engine.opts.SettleWindow)
	}

	if !newFault {
		return out, false
	}
	s.log.Error("[SESSION] pod fault", "op", op, "lifecycle", st.Lifecycle)
	out.Result = CertainFailure
	if hasInfo {
		out.Err = &pod.CommsError{Class: pod.ErrDeviceFault, Op: op, Err: *st.Fault}
		return out, false
	}
	return out, true
}

func (s *Session) faultError(op string) error {
	st := s.engine.state.Snapshot()
	if st.Fault == nil {
		return &pod.CommsError{Class: pod.ErrDeviceFault, Op: op}
	}
	return &pod.CommsError{Class: pod.ErrDeviceFault, Op: op, Err: *st.Fault}
}

// validate decodes a response and checks it answers msg.
func validate(msg message.Message, raw []byte) (message.Message, error) {
	reply, err := message.Decode(raw)
	if err != nil {
		return reply, err
	}
	if want := message.NextSeq(msg.Seq, 1); reply.Seq != want {
		return reply, fmt.Errorf("response sequence %d, want %d", reply.Seq, want)
	}
	if reply.Address != msg.Address {
		return reply, fmt.Errorf("response address %08x, want %08x", reply.Address, msg.Address)
	}
	return reply, nil
}

func failed(op string, seq uint8, class, err error) CommandOutcome {
	r := CertainFailure
	if class == pod.ErrUnacknowledged {
		r = Unacknowledged
	}
	return CommandOutcome{Result: r, Seq: seq, Err: &pod.CommsError{Class: class, Op: op, Err: err}}
}

func hasNonce(blocks []message.Block) bool {
	for _, b := range blocks {
		if _, ok := b.(message.NonceBlock); ok {
			return true
		}
	}
	return false
}

func opName(blocks []message.Block) string {
	names := make([]string, len(blocks))
	for i, b := range blocks {
		names[i] = b.Type().String()
	}
	return "session: " + strings.Join(names, "+")
}
