//go:build !linux

package ble

import "fmt"

// TinyGoStack is only backed by a radio on Linux (BlueZ). Elsewhere it
// reports that no adapter is present, so the server and advertiser log and
// stay idle.
type TinyGoStack struct{}

// NewTinyGoStack creates a stack that has no adapter.
func NewTinyGoStack() *TinyGoStack { return &TinyGoStack{} }

var _ Stack = (*TinyGoStack)(nil)

func (s *TinyGoStack) Enable() error {
	return fmt.Errorf("%w: peripheral role requires BlueZ", ErrNoAdapter)
}

func (s *TinyGoStack) OpenServer(ServerCallbacks) (ServerHandle, error) {
	return nil, fmt.Errorf("ble: open server: %w", ErrNoAdapter)
}

func (s *TinyGoStack) Advertiser() (LEAdvertiser, error) {
	return nil, ErrNoAdvertiser
}

// Close does nothing; there is no watcher to stop.
func (s *TinyGoStack) Close() error { return nil }
