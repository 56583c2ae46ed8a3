package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second}, // capped
		{40, 8 * time.Second},
	}
	for _, tt := range tests {
		got := backoffDelay(tt.attempt, time.Second, 8*time.Second)
		if got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestOpenSessionRetriesConnect(t *testing.T) {
	pod := newFakePod(t, makeTestKey())
	adapter := newMockAdapter(pod, nil)
	adapter.connectErrs = []error{errors.New("out of range"), errors.New("out of range")}

	link, err := NewLink(adapter, testDevice, makeTestKey(), fastOptions())
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}
	tr, err := link.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	defer tr.Close()

	if n := adapter.connectCount(); n != 3 {
		t.Errorf("connect attempts = %d, want 3", n)
	}
}

func TestOpenSessionGivesUp(t *testing.T) {
	pod := newFakePod(t, makeTestKey())
	adapter := newMockAdapter(pod, nil)
	adapter.connectErrs = []error{errors.New("a"), errors.New("b"), errors.New("c")}

	opts := fastOptions()
	opts.ConnectAttempts = 2
	link, err := NewLink(adapter, testDevice, makeTestKey(), opts)
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}
	if _, err := link.OpenSession(context.Background()); err == nil {
		t.Fatal("OpenSession() should fail after all attempts")
	}
	if n := adapter.connectCount(); n != 2 {
		t.Errorf("connect attempts = %d, want 2", n)
	}
}

func TestOpenSessionHonorsContext(t *testing.T) {
	pod := newFakePod(t, makeTestKey())
	adapter := newMockAdapter(pod, nil)
	adapter.connectErrs = []error{errors.New("out of range")}

	opts := fastOptions()
	opts.RetryDelay = time.Minute
	opts.ReconnectMax = time.Minute
	link, err := NewLink(adapter, testDevice, makeTestKey(), opts)
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = link.OpenSession(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("OpenSession() error = %v, want deadline exceeded", err)
	}
}
