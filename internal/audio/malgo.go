//go:build cgo

package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

type malgoDevice struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu sync.Mutex
	cb DataCallback
}

// Open opens the default capture device with malgo.
func Open(config CaptureConfig) (Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	d := &malgoDevice{ctx: ctx}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			d.mu.Lock()
			cb := d.cb
			d.mu.Unlock()
			if cb == nil {
				return
			}
			// malgo reuses its buffer after the callback returns.
			chunk := make([]byte, len(data))
			copy(chunk, data)
			cb(chunk)
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("malgo capture device: %w", err)
	}
	d.device = dev
	return d, nil
}

func (d *malgoDevice) SetCallback(cb DataCallback) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *malgoDevice) ClearCallback() {
	d.mu.Lock()
	d.cb = nil
	d.mu.Unlock()
}

func (d *malgoDevice) Start() error {
	return d.device.Start()
}

func (d *malgoDevice) Stop() {
	d.device.Stop()
}

func (d *malgoDevice) Close() {
	d.device.Uninit()
	d.ctx.Uninit()
	d.ctx.Free()
}
