package ble

import (
	"context"
	"fmt"
	"time"

	blecrypto "github.com/chaz8081/podlink/internal/ble/crypto"
	"github.com/chaz8081/podlink/internal/ble/protocol"
)

// PairResult is what the host keeps after pairing.
type PairResult struct {
	Device string
	LTK    []byte // 32-byte long-term key
}

// PairOptions configures pairing behavior.
type PairOptions struct {
	Timeout time.Duration // how long to wait for the pod's public key
}

// DefaultPairOptions returns sensible defaults for production use.
func DefaultPairOptions() PairOptions {
	return PairOptions{
		Timeout: 10 * time.Second,
	}
}

// ScanForPods scans for pods advertising the pod service.
func ScanForPods(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// Pair performs the ECDH key exchange with the pod and derives the
// long-term key used to open sessions.
func Pair(adapter Adapter, device string, opts PairOptions) (*PairResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPairOptions().Timeout
	}

	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	conn, err := adapter.Connect(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("ble: connect for pairing: %w", err)
	}
	defer func() { _ = conn.Disconnect() }()

	control, err := conn.DiscoverCharacteristic(ServiceUUID, ControlCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover control char: %w", err)
	}
	respChar, err := conn.DiscoverCharacteristic(ServiceUUID, ResponseCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover response char: %w", err)
	}

	replies := make(chan protocol.ResponsePacket, 1)
	if err := respChar.Subscribe(func(data []byte) {
		resp, err := protocol.UnmarshalResponsePacket(data)
		if err != nil {
			return
		}
		if resp.Type != protocol.ResponseTypePairKey && resp.Type != protocol.ResponseTypeError {
			return
		}
		select {
		case replies <- *resp:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("ble: subscribe to responses: %w", err)
	}

	privKey, pubKey, err := blecrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	hostPub := blecrypto.CompressPublicKey(pubKey)
	req := protocol.MarshalControlPacket(protocol.ControlPacket{Type: protocol.ControlTypePair, Data: hostPub})
	if err := control.Write(req); err != nil {
		return nil, fmt.Errorf("ble: write public key: %w", err)
	}

	select {
	case resp := <-replies:
		if resp.Type == protocol.ResponseTypeError {
			return nil, fmt.Errorf("ble: pod refused pairing (status %d)", resp.Status)
		}
		podKey, err := blecrypto.ParseCompressedPublicKey(resp.Data)
		if err != nil {
			return nil, fmt.Errorf("ble: parse pod public key: %w", err)
		}
		secret, err := blecrypto.DeriveSharedSecret(privKey, podKey)
		if err != nil {
			return nil, err
		}
		ltk, err := blecrypto.DeriveLongTermKey(secret, hostPub, resp.Data)
		if err != nil {
			return nil, err
		}
		return &PairResult{Device: device, LTK: ltk}, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("ble: pairing timed out waiting for pod public key")
	}
}
