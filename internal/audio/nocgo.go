//go:build !cgo

package audio

// Open reports ErrUnavailable: malgo needs cgo.
func Open(config CaptureConfig) (Device, error) {
	return nil, ErrUnavailable
}
