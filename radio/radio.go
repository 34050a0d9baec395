// Package radio describes the short-range wireless link used between node and hub.
// Concrete stacks live outside of this module; radio/loopback is in-process implementation.
//
// Link has two roles with opposite connection directions:
// peripheral advertises one service with one characteristic and waits for central to connect;
// central scans for peripherals, connects and reads the characteristic.
package radio

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Well-known logical names.
const (
	NodeName = "solar"
	HubName  = "pi"
)

var (
	// Environmental sensing service, temperature characteristic.
	TelemetryService = UUID16(0x181a)
	TelemetryChar    = UUID16(0x2a6e)

	CommandService = uuid.MustParse("12345678-1234-1234-1234-123456789abc")
	CommandChar    = uuid.MustParse("87654321-4321-4321-4321-cba987654321")
)

var (
	// ErrNotFound scan finished without matching device.
	ErrNotFound     = errors.New("radio: device not found")
	ErrDisconnected = errors.New("radio: disconnected")
)

// Bluetooth base UUID 00000000-0000-1000-8000-00805f9b34fb
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands 16 bit assigned number into full UUID.
func UUID16(short uint16) uuid.UUID {
	u := baseUUID
	binary.BigEndian.PutUint16(u[2:4], short)
	return u
}

type Device struct {
	Name     string
	Address  string
	Services []uuid.UUID
}

func (d Device) HasService(u uuid.UUID) bool {
	for _, s := range d.Services {
		if s == u {
			return true
		}
	}
	return false
}

// MatchNameOrService is scan filter accepting device by advertised name or service.
func MatchNameOrService(name string, service uuid.UUID) func(Device) bool {
	return func(d Device) bool {
		return (name != "" && d.Name == name) || d.HasService(service)
	}
}

func MatchName(name string) func(Device) bool {
	return func(d Device) bool { return d.Name == name }
}

type Advertisement struct {
	Name    string
	Service uuid.UUID
	Char    uuid.UUID
	// OnRead is called for every central read of Char.
	// Nil means reads return last value written with PeripheralConn.Write.
	OnRead func() ([]byte, error)
}

type Peripheral interface {
	// Advertise blocks until central connects or ctx is done.
	Advertise(ctx context.Context, adv Advertisement) (PeripheralConn, error)
}

type PeripheralConn interface {
	// Write sets characteristic value and notifies connected central.
	Write(value []byte) error
	// Disconnected is closed when either side terminates connection.
	Disconnected() <-chan struct{}
	Close() error
}

type Central interface {
	// Scan returns first device accepted by match.
	// ErrNotFound when ctx deadline passed without match.
	Scan(ctx context.Context, match func(Device) bool) (Device, error)
	Connect(ctx context.Context, d Device) (CentralConn, error)
}

type CentralConn interface {
	// Characteristic performs service discovery, NotFound error if absent.
	Characteristic(ctx context.Context, service, char uuid.UUID) (Characteristic, error)
	Close() error
}

type Characteristic interface {
	// Read returns current value.
	// If peripheral has not written anything yet, Read waits for notification.
	Read(ctx context.Context) ([]byte, error)
}

// Radio is one physical adapter, able to play both roles but not at the same time.
type Radio interface {
	Peripheral
	Central
}

// IsNotFound covers both scan miss and absent service/characteristic.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound || errors.IsNotFound(err)
}
