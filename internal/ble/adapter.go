// Package ble is the Bluetooth Low Energy transport to a pod. It pairs with
// the pod, opens encrypted sessions, and carries one command frame and its
// response per exchange.
package ble

import "context"

// Pod GATT UUIDs
const (
	ServiceUUID      = "1a7e4024-e3ed-4464-8b7e-751e03d0dc5f"
	ControlCharUUID  = "1a7e2441-e3ed-4464-8b7e-751e03d0dc5f"
	ResponseCharUUID = "1a7e2442-e3ed-4464-8b7e-751e03d0dc5f"
	DataCharUUID     = "1a7e2443-e3ed-4464-8b7e-751e03d0dc5f"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered pod.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a pod.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals advertising the given service UUID until
	// ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
