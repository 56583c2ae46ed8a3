package ble

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"sync"
	"testing"

	blecrypto "github.com/chaz8081/podlink/internal/ble/crypto"
	"github.com/chaz8081/podlink/internal/ble/protocol"
)

// mockCharacteristic hands writes to onWrite and delivers notifications to
// the subscriber.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   int
	onWrite  func([]byte) error
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	c.writes++
	fn := c.onWrite
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(append([]byte(nil), data...))
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// notify sends a notification to the subscriber.
func (c *mockCharacteristic) notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// fakePod plays the pod side of the link: pairing, the session handshake,
// and encrypted frames. It is also the Connection the adapter returns.
type fakePod struct {
	t *testing.T

	control  *mockCharacteristic
	response *mockCharacteristic
	data     *mockCharacteristic

	mu           sync.Mutex
	ltk          []byte
	priv         *ecdh.PrivateKey
	sessionKey   []byte
	rx           protocol.Reassembler
	received     [][]byte
	disconnectCb func()
	disconnected bool

	// handler answers a decrypted request frame; nil means no reply.
	handler func(frame []byte) []byte
	// failSegment may fail a data segment write before the pod sees it.
	failSegment func(seg []byte) error
	silent      bool // ignore control writes
	refuse      bool // answer hello with an error
	tamper      bool // corrupt reply ciphertext
	staleFirst  bool // send a reply for an older packet first
}

func newFakePod(t *testing.T, ltk []byte) *fakePod {
	t.Helper()
	priv, _, err := blecrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	p := &fakePod{
		t:        t,
		ltk:      ltk,
		priv:     priv,
		control:  &mockCharacteristic{},
		response: &mockCharacteristic{},
		data:     &mockCharacteristic{},
		handler:  func(frame []byte) []byte { return frame },
	}
	p.control.onWrite = p.onControl
	p.data.onWrite = p.onData
	return p
}

func (p *fakePod) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if serviceUUID != ServiceUUID {
		return nil, fmt.Errorf("fake: unknown service %q", serviceUUID)
	}
	switch charUUID {
	case ControlCharUUID:
		return p.control, nil
	case ResponseCharUUID:
		return p.response, nil
	case DataCharUUID:
		return p.data, nil
	default:
		return nil, fmt.Errorf("fake: unknown characteristic %q", charUUID)
	}
}

func (p *fakePod) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
	return nil
}

func (p *fakePod) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

// dropLink fires the disconnect callback as if the radio link failed.
func (p *fakePod) dropLink() {
	p.mu.Lock()
	cb := p.disconnectCb
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (p *fakePod) isDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

func (p *fakePod) longTermKey() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ltk
}

func (p *fakePod) frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

func (p *fakePod) onControl(raw []byte) error {
	if p.silent {
		return nil
	}
	pkt, err := protocol.UnmarshalControlPacket(raw)
	if err != nil {
		p.t.Errorf("fake: bad control packet: %v", err)
		return nil
	}
	switch pkt.Type {
	case protocol.ControlTypePair:
		hostPub, err := blecrypto.ParseCompressedPublicKey(pkt.Data)
		if err != nil {
			p.t.Errorf("fake: bad host key: %v", err)
			return nil
		}
		secret, err := blecrypto.DeriveSharedSecret(p.priv, hostPub)
		if err != nil {
			p.t.Errorf("fake: shared secret: %v", err)
			return nil
		}
		podPub := blecrypto.CompressPublicKey(p.priv.PublicKey())
		ltk, err := blecrypto.DeriveLongTermKey(secret, pkt.Data, podPub)
		if err != nil {
			p.t.Errorf("fake: ltk: %v", err)
			return nil
		}
		p.mu.Lock()
		p.ltk = ltk
		p.mu.Unlock()
		p.response.notify(protocol.MarshalResponsePacket(protocol.ResponsePacket{Type: protocol.ResponseTypePairKey, Data: podPub}))
	case protocol.ControlTypeHello:
		if p.refuse {
			p.response.notify(protocol.MarshalResponsePacket(protocol.ResponsePacket{Type: protocol.ResponseTypeError, Status: 7}))
			return nil
		}
		nonce, err := blecrypto.NewNonce()
		if err != nil {
			p.t.Errorf("fake: nonce: %v", err)
			return nil
		}
		key, err := blecrypto.DeriveSessionKey(p.longTermKey(), pkt.Data, nonce)
		if err != nil {
			p.t.Errorf("fake: session key: %v", err)
			return nil
		}
		p.mu.Lock()
		p.sessionKey = key
		p.mu.Unlock()
		p.response.notify(protocol.MarshalResponsePacket(protocol.ResponsePacket{Type: protocol.ResponseTypeKeepalive}))
		p.response.notify(protocol.MarshalResponsePacket(protocol.ResponsePacket{Type: protocol.ResponseTypeSessionNonce, Data: nonce}))
	}
	return nil
}

func (p *fakePod) onData(seg []byte) error {
	if p.failSegment != nil {
		if err := p.failSegment(seg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	raw, done, err := p.rx.Add(seg)
	key := p.sessionKey
	p.mu.Unlock()
	if err != nil {
		p.t.Errorf("fake: reassembly: %v", err)
		return nil
	}
	if !done {
		return nil
	}
	pkt, err := protocol.UnmarshalDataPacket(raw)
	if err != nil {
		p.t.Errorf("fake: bad data packet: %v", err)
		return nil
	}
	frame, err := blecrypto.Decrypt(key, pkt.IV, pkt.Encrypted, pkt.Tag, packetAAD(dirHost, pkt.PacketNum))
	if err != nil {
		// A pod drops packets it cannot authenticate.
		return nil
	}
	p.mu.Lock()
	p.received = append(p.received, frame)
	p.mu.Unlock()

	reply := p.handler(frame)
	if reply == nil {
		return nil
	}
	if p.staleFirst {
		p.send(key, pkt.PacketNum-1, []byte("stale"))
	}
	p.send(key, pkt.PacketNum, reply)
	return nil
}

func (p *fakePod) send(key []byte, num uint32, frame []byte) {
	iv, ct, tag, err := blecrypto.Encrypt(key, frame, packetAAD(dirPod, num))
	if err != nil {
		p.t.Errorf("fake: encrypt reply: %v", err)
		return
	}
	if p.tamper {
		ct[0] ^= 0xFF
	}
	pkt, err := protocol.MarshalDataPacket(iv, tag, ct, num)
	if err != nil {
		p.t.Errorf("fake: marshal reply: %v", err)
		return
	}
	segs, err := protocol.Segment(pkt, protocol.MaxSegmentBytes)
	if err != nil {
		p.t.Errorf("fake: segment reply: %v", err)
		return
	}
	for _, s := range segs {
		p.data.notify(s)
	}
}

// mockAdapter returns the fake pod as its connection, after failing the
// first len(connectErrs) connects.
type mockAdapter struct {
	mu          sync.Mutex
	pod         *fakePod
	devices     []Device
	connectErrs []error
	connects    int
}

func newMockAdapter(pod *fakePod, devices []Device) *mockAdapter {
	return &mockAdapter{pod: pod, devices: devices}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context, _ string) ([]Device, error) {
	return a.devices, nil
}

func (a *mockAdapter) Connect(ctx context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.connects++
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		return nil, err
	}
	return a.pod, nil
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestFakePodImplementsConnection(t *testing.T) {
	var _ Connection = (*fakePod)(nil)
}
