package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	blecrypto "github.com/chaz8081/podlink/internal/ble/crypto"
	"github.com/chaz8081/podlink/internal/ble/protocol"
	"github.com/chaz8081/podlink/internal/pod/session"
)

// Direction bytes bound into each packet's additional data so a frame can
// not be reflected back at its sender.
const (
	dirHost byte = 0x01
	dirPod  byte = 0x02
)

// LinkOptions configures connection and session setup.
type LinkOptions struct {
	ConnectAttempts  int           // connect attempts per session
	RetryDelay       time.Duration // first backoff step, doubled per attempt
	ReconnectMax     time.Duration // backoff cap
	InterChunkDelay  time.Duration // delay between segment writes
	HandshakeTimeout time.Duration // wait for the pod's session nonce
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		ConnectAttempts:  3,
		RetryDelay:       time.Second,
		ReconnectMax:     8 * time.Second,
		InterChunkDelay:  20 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}
}

// ErrLinkLost is returned when the connection drops during an exchange.
var ErrLinkLost = errors.New("ble: link lost")

// Link opens encrypted sessions to one paired pod. It implements
// session.Provider.
type Link struct {
	adapter Adapter
	device  string
	ltk     []byte
	opts    LinkOptions
}

// NewLink creates a link to a paired pod. The long-term key must be
// exactly 32 bytes.
func NewLink(adapter Adapter, device string, ltk []byte, opts LinkOptions) (*Link, error) {
	if len(ltk) != blecrypto.KeySize {
		return nil, fmt.Errorf("ble: long-term key must be %d bytes, got %d", blecrypto.KeySize, len(ltk))
	}
	def := DefaultLinkOptions()
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.InterChunkDelay <= 0 {
		opts.InterChunkDelay = def.InterChunkDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	return &Link{adapter: adapter, device: device, ltk: ltk, opts: opts}, nil
}

var _ session.Provider = (*Link)(nil)

// OpenSession connects to the pod, subscribes to its characteristics, and
// agrees a fresh session key.
func (l *Link) OpenSession(ctx context.Context) (session.Transport, error) {
	if err := l.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	conn, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}

	s := &podSession{
		conn:   conn,
		delay:  l.opts.InterChunkDelay,
		device: l.device,
		ctrl:   make(chan protocol.ResponsePacket, 4),
		frames: make(chan protocol.DataPacket, 8),
		lost:   make(chan struct{}),
	}
	conn.OnDisconnect(func() {
		slog.Warn("[BLE] disconnected", "device", l.device)
		s.lostOnce.Do(func() { close(s.lost) })
	})
	if err := s.subscribe(); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	if err := s.handshake(ctx, l.ltk, l.opts.HandshakeTimeout); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}

	slog.Info("[BLE] session open", "device", l.device)
	return s, nil
}

// connect tries the pod up to ConnectAttempts times with exponential backoff.
func (l *Link) connect(ctx context.Context) (Connection, error) {
	var lastErr error
	for attempt := 0; attempt < l.opts.ConnectAttempts; attempt++ {
		// First attempt is immediate; later ones back off.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, l.opts.RetryDelay, l.opts.ReconnectMax)
			slog.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("ble: connect to %s: %w", l.device, ctx.Err())
			}
		}
		conn, err := l.adapter.Connect(ctx, l.device)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("ble: connect to %s: %w", l.device, lastErr)
}

// backoffDelay returns the delay before retry n: base doubled n times,
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// packetAAD binds a packet to its direction and number.
func packetAAD(dir byte, num uint32) []byte {
	aad := make([]byte, 5)
	aad[0] = dir
	binary.BigEndian.PutUint32(aad[1:], num)
	return aad
}

// podSession is one encrypted session. It implements session.Transport.
type podSession struct {
	conn    Connection
	control Characteristic
	data    Characteristic
	key     []byte
	delay   time.Duration
	device  string

	packetNum atomic.Uint32

	// rxMu guards rx; notifications may arrive on any goroutine.
	rxMu sync.Mutex
	rx   protocol.Reassembler

	ctrl   chan protocol.ResponsePacket
	frames chan protocol.DataPacket

	lost      chan struct{}
	lostOnce  sync.Once
	closeOnce sync.Once
}

func (s *podSession) subscribe() error {
	var err error
	if s.control, err = s.conn.DiscoverCharacteristic(ServiceUUID, ControlCharUUID); err != nil {
		return fmt.Errorf("ble: discover control char: %w", err)
	}
	resp, err := s.conn.DiscoverCharacteristic(ServiceUUID, ResponseCharUUID)
	if err != nil {
		return fmt.Errorf("ble: discover response char: %w", err)
	}
	if s.data, err = s.conn.DiscoverCharacteristic(ServiceUUID, DataCharUUID); err != nil {
		return fmt.Errorf("ble: discover data char: %w", err)
	}

	if err := resp.Subscribe(s.onResponse); err != nil {
		return fmt.Errorf("ble: subscribe to responses: %w", err)
	}
	if err := s.data.Subscribe(s.onData); err != nil {
		return fmt.Errorf("ble: subscribe to data: %w", err)
	}
	return nil
}

func (s *podSession) onResponse(raw []byte) {
	p, err := protocol.UnmarshalResponsePacket(raw)
	if err != nil {
		slog.Warn("[BLE] bad response packet", "error", err)
		return
	}
	select {
	case s.ctrl <- *p:
	default:
		slog.Warn("[BLE] response queue full, dropping", "type", p.Type)
	}
}

func (s *podSession) onData(seg []byte) {
	s.rxMu.Lock()
	raw, done, err := s.rx.Add(seg)
	s.rxMu.Unlock()
	if err != nil {
		slog.Warn("[BLE] dropping partial packet", "error", err)
		return
	}
	if !done {
		return
	}
	p, err := protocol.UnmarshalDataPacket(raw)
	if err != nil {
		slog.Warn("[BLE] bad data packet", "error", err)
		return
	}
	select {
	case s.frames <- *p:
	default:
		slog.Warn("[BLE] frame queue full, dropping", "packet", p.PacketNum)
	}
}

// handshake exchanges session nonces and derives the session key.
func (s *podSession) handshake(ctx context.Context, ltk []byte, timeout time.Duration) error {
	hostNonce, err := blecrypto.NewNonce()
	if err != nil {
		return err
	}
	hello := protocol.MarshalControlPacket(protocol.ControlPacket{Type: protocol.ControlTypeHello, Data: hostNonce})
	if err := s.control.Write(hello); err != nil {
		return fmt.Errorf("ble: write hello: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-s.ctrl:
			switch resp.Type {
			case protocol.ResponseTypeSessionNonce:
				key, err := blecrypto.DeriveSessionKey(ltk, hostNonce, resp.Data)
				if err != nil {
					return fmt.Errorf("ble: session key: %w", err)
				}
				s.key = key
				return nil
			case protocol.ResponseTypeError:
				return fmt.Errorf("ble: pod refused session (status %d)", resp.Status)
			}
		case <-timer.C:
			return errors.New("ble: handshake timed out")
		case <-s.lost:
			return fmt.Errorf("ble: handshake: %w", ErrLinkLost)
		case <-ctx.Done():
			return fmt.Errorf("ble: handshake: %w", ctx.Err())
		}
	}
}

// Exchange encrypts and writes one frame, then waits for the response with
// the same packet number. A failure before the final segment is written is
// reported as session.ErrNotTransmitted; the pod acts only on complete
// packets.
func (s *podSession) Exchange(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error) {
	select {
	case <-s.lost:
		return nil, fmt.Errorf("ble: exchange: %w: %w", session.ErrNotTransmitted, ErrLinkLost)
	default:
	}

	num := s.packetNum.Add(1)
	iv, ct, tag, err := blecrypto.Encrypt(s.key, frame, packetAAD(dirHost, num))
	if err != nil {
		return nil, fmt.Errorf("ble: encrypt: %w: %w", session.ErrNotTransmitted, err)
	}
	pkt, err := protocol.MarshalDataPacket(iv, tag, ct, num)
	if err != nil {
		return nil, fmt.Errorf("ble: marshal data packet: %w: %w", session.ErrNotTransmitted, err)
	}
	segs, err := protocol.Segment(pkt, protocol.MaxSegmentBytes)
	if err != nil {
		return nil, fmt.Errorf("ble: segment: %w: %w", session.ErrNotTransmitted, err)
	}

	for i, seg := range segs {
		last := i == len(segs)-1
		if err := s.data.Write(seg); err != nil {
			if !last {
				return nil, fmt.Errorf("ble: write segment %d: %w: %w", i, session.ErrNotTransmitted, err)
			}
			return nil, fmt.Errorf("ble: write final segment: %w", err)
		}
		if !last {
			time.Sleep(s.delay)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case p := <-s.frames:
			if p.PacketNum != num {
				slog.Debug("[BLE] skipping stale frame", "packet", p.PacketNum, "want", num)
				continue
			}
			plain, err := blecrypto.Decrypt(s.key, p.IV, p.Encrypted, p.Tag, packetAAD(dirPod, num))
			if err != nil {
				return nil, fmt.Errorf("ble: packet %d: %w", num, err)
			}
			return plain, nil
		case <-timer.C:
			return nil, fmt.Errorf("ble: packet %d: %w", num, session.ErrTimeout)
		case <-s.lost:
			return nil, fmt.Errorf("ble: packet %d: %w", num, ErrLinkLost)
		case <-ctx.Done():
			return nil, fmt.Errorf("ble: packet %d: %w", num, ctx.Err())
		}
	}
}

// Close disconnects from the pod.
func (s *podSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		slog.Info("[BLE] session closed", "device", s.device)
		err = s.conn.Disconnect()
	})
	return err
}
