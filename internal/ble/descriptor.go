package ble

import (
	"fmt"

	"github.com/google/uuid"
)

// Property is the capability set of a characteristic.
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWrite
	PropertyWriteNoResponse
	PropertyNotify
)

// Has reports whether all bits of f are set.
func (p Property) Has(f Property) bool { return p&f == f }

// Permission is the attribute permission set of a characteristic.
type Permission uint8

const (
	PermissionRead Permission = 1 << iota
	PermissionWrite
)

// Characteristic describes one characteristic of a local GATT service and
// holds its current value. The value is last-written-wins and is not
// persisted.
type Characteristic struct {
	UUID        uuid.UUID
	Properties  Property
	Permissions Permission

	value   []byte
	version uint64
}

// Value returns a copy of the current value.
func (c *Characteristic) Value() []byte {
	return append([]byte(nil), c.value...)
}

// SetValue replaces the current value with a copy of p.
func (c *Characteristic) SetValue(p []byte) {
	c.value = append(c.value[:0:0], p...)
	c.version++
}

// Version increases on every SetValue. Stacks that fan a value out to all
// subscribers at once use it to push each value only once.
func (c *Characteristic) Version() uint64 { return c.version }

// Service describes a local primary GATT service.
type Service struct {
	UUID            uuid.UUID
	Characteristics []*Characteristic
}

// Characteristic returns the characteristic with the given UUID, or nil.
func (s *Service) Characteristic(id uuid.UUID) *Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID == id {
			return c
		}
	}
	return nil
}

// Validate checks that the service has exactly one write-capable and exactly
// one notify-capable characteristic.
func (s *Service) Validate() error {
	var writers, notifiers int
	for _, c := range s.Characteristics {
		if c.Properties.Has(PropertyWrite) || c.Properties.Has(PropertyWriteNoResponse) {
			writers++
		}
		if c.Properties.Has(PropertyNotify) {
			notifiers++
		}
	}
	if writers != 1 {
		return fmt.Errorf("ble: service %s has %d write characteristics, want 1", s.UUID, writers)
	}
	if notifiers != 1 {
		return fmt.Errorf("ble: service %s has %d notify characteristics, want 1", s.UUID, notifiers)
	}
	return nil
}

// NewLinkService builds the watch link service: a command characteristic the
// phone writes to and a notify characteristic the watch pushes events on.
func NewLinkService() *Service {
	return &Service{
		UUID: ServiceUUID,
		Characteristics: []*Characteristic{
			{
				UUID:        CommandUUID,
				Properties:  PropertyWrite | PropertyWriteNoResponse,
				Permissions: PermissionWrite,
			},
			{
				UUID:        NotifyUUID,
				Properties:  PropertyNotify,
				Permissions: PermissionRead,
			},
		},
	}
}
