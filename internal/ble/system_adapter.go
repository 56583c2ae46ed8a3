package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// SystemAdapter drives the host's default Bluetooth controller through
// tinygo-org/bluetooth. Addresses are whatever the platform reports: a MAC
// on Linux and Windows, a CoreBluetooth UUID on macOS.
type SystemAdapter struct {
	radio *bluetooth.Adapter
	links connRegistry
}

// NewSystemAdapter creates an adapter over bluetooth.DefaultAdapter.
func NewSystemAdapter() *SystemAdapter {
	return &SystemAdapter{radio: bluetooth.DefaultAdapter}
}

var _ Adapter = (*SystemAdapter)(nil)

func (a *SystemAdapter) Enable() error {
	if err := a.radio.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	a.radio.SetConnectHandler(a.connectionEvent)
	return nil
}

// connectionEvent receives link changes for every peripheral. Only drops
// matter here; connects are tracked by Connect itself.
func (a *SystemAdapter) connectionEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	if c := a.links.release(device.Address.String()); c != nil {
		c.dropped()
	}
}

func (a *SystemAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	want, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = a.radio.StopScan() })
	defer stop()

	var found sightings
	err = a.radio.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if r.HasServiceUUID(want) {
			found.add(Device{Name: r.LocalName(), Address: r.Address.String(), RSSI: int(r.RSSI)})
		}
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return found.list(), nil
}

// Connect waits for the link until ctx is done. The underlying call cannot
// be cancelled, so a link that comes up after ctx expires is torn down.
func (a *SystemAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var target bluetooth.Address
	target.Set(address)

	type dialed struct {
		device bluetooth.Device
		err    error
	}
	result := make(chan dialed, 1)
	go func() {
		d, err := a.radio.Connect(target, bluetooth.ConnectionParams{})
		result <- dialed{d, err}
	}()

	var r dialed
	select {
	case r = <-result:
	case <-ctx.Done():
		go func() {
			if late := <-result; late.err == nil {
				_ = late.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	}
	if r.err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, r.err)
	}

	c := &systemConnection{device: r.device}
	a.links.track(address, c)
	return c, nil
}

// connRegistry maps peripheral addresses to open connections so that the
// adapter-wide disconnect handler can reach them.
type connRegistry struct {
	mu    sync.Mutex
	conns map[string]*systemConnection
}

func (r *connRegistry) track(addr string, c *systemConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns == nil {
		r.conns = make(map[string]*systemConnection)
	}
	r.conns[addr] = c
}

// release forgets addr and returns the connection it held, if any.
func (r *connRegistry) release(addr string) *systemConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[addr]
	delete(r.conns, addr)
	return c
}

// sightings collects advertisements, one entry per address in first-seen
// order, keeping the strongest signal reported.
type sightings struct {
	mu      sync.Mutex
	order   []string
	devices map[string]Device
}

func (s *sightings) add(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices == nil {
		s.devices = make(map[string]Device)
	}
	prev, seen := s.devices[d.Address]
	switch {
	case !seen:
		s.order = append(s.order, d.Address)
	case prev.RSSI >= d.RSSI:
		d.RSSI = prev.RSSI
	}
	if d.Name == "" {
		d.Name = prev.Name
	}
	s.devices[d.Address] = d
}

func (s *sightings) list() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.devices[addr])
	}
	return out
}

type systemConnection struct {
	device bluetooth.Device

	mu       sync.Mutex
	services map[bluetooth.UUID]*bluetooth.DeviceService
	onDrop   func()
	gone     bool
}

func (c *systemConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svc, err := c.service(svcID)
	if err != nil {
		return nil, err
	}
	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charID})
	switch {
	case err != nil:
		return nil, fmt.Errorf("ble: discover characteristic %s: %w", charUUID, err)
	case len(chars) == 0:
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return &systemCharacteristic{char: &chars[0]}, nil
}

// service returns the GATT service with the given UUID, discovering it on
// first use. The pod's three characteristics share one service.
func (c *systemConnection) service(id bluetooth.UUID) (*bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[id]; ok {
		return svc, nil
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{id})
	switch {
	case err != nil:
		return nil, fmt.Errorf("ble: discover service %s: %w", id, err)
	case len(svcs) == 0:
		return nil, fmt.Errorf("ble: service %s not found", id)
	}
	if c.services == nil {
		c.services = make(map[bluetooth.UUID]*bluetooth.DeviceService)
	}
	c.services[id] = &svcs[0]
	return &svcs[0], nil
}

func (c *systemConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *systemConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = cb
}

// dropped runs the disconnect callback at most once.
func (c *systemConnection) dropped() {
	c.mu.Lock()
	cb := c.onDrop
	if c.gone {
		cb = nil
	}
	c.gone = true
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type systemCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *systemCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

// Subscribe hands cb a private copy of each notification; the library
// reuses its buffer.
func (c *systemCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(append([]byte(nil), buf...))
	})
}
