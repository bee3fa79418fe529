package audio

import (
	"errors"
	"sync"
)

// FakeDevice is an in-memory Device. Emit delivers a chunk to the callback
// while the device is started.
type FakeDevice struct {
	StartErr error

	mu      sync.Mutex
	cb      DataCallback
	started bool
	closed  bool
	starts  int
}

// Opener returns an Opener that always yields f.
func (f *FakeDevice) Opener() Opener {
	return func(CaptureConfig) (Device, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			// Reopening a closed fake starts a fresh session.
			f.closed = false
		}
		return f, nil
	}
}

func (f *FakeDevice) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeDevice) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeDevice) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	if f.closed {
		return errors.New("device closed")
	}
	f.started = true
	f.starts++
	return nil
}

func (f *FakeDevice) Stop() {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
}

func (f *FakeDevice) Close() {
	f.mu.Lock()
	f.started = false
	f.closed = true
	f.mu.Unlock()
}

// Emit delivers chunk synchronously. It reports whether a callback received it.
func (f *FakeDevice) Emit(chunk []byte) bool {
	f.mu.Lock()
	cb := f.cb
	live := f.started
	f.mu.Unlock()
	if !live || cb == nil {
		return false
	}
	cb(chunk)
	return true
}

// Started reports whether capture is running.
func (f *FakeDevice) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Closed reports whether the device has been released.
func (f *FakeDevice) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// HasCallback reports whether a callback is registered.
func (f *FakeDevice) HasCallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb != nil
}
