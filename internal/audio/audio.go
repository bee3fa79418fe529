// Package audio captures microphone input as 16-bit PCM and wraps it in a
// WAV container for upload.
package audio

import (
	"encoding/binary"
	"errors"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16

	WAVHeaderSize = 44
)

// ErrUnavailable is returned by Open when the binary was built without
// audio capture support.
var ErrUnavailable = errors.New("audio capture not available in this build")

type DataCallback func(data []byte)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

// DefaultConfig is 16 kHz mono.
func DefaultConfig() CaptureConfig {
	return CaptureConfig{SampleRate: SampleRate, Channels: Channels}
}

// Device is an open capture device. Data arrives on the callback between
// Start and Stop; Close releases the device.
type Device interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
}

// Opener opens a capture device.
type Opener func(config CaptureConfig) (Device, error)

// WAV prepends a canonical 44-byte PCM header to pcm.
func WAV(pcm []byte, sampleRate, channels uint32) []byte {
	byteRate := sampleRate * channels * BitsPerSample / 8
	blockAlign := channels * BitsPerSample / 8

	buf := make([]byte, WAVHeaderSize+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], byteRate)
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[WAVHeaderSize:], pcm)
	return buf
}
