package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// UnnamedDeviceLabel replaces empty device labels.
const UnnamedDeviceLabel = "Unnamed microphone"

// Enumerator lists devices after a transient capture grant.
type Enumerator struct {
	backend    Backend
	permission func() error
	log        zerolog.Logger
}

// EnumeratorOption customizes an Enumerator.
type EnumeratorOption func(*Enumerator)

// WithPermissionCheck adds a platform permission check that runs before the
// transient capture check.
func WithPermissionCheck(check func() error) EnumeratorOption {
	return func(e *Enumerator) { e.permission = check }
}

func NewEnumerator(backend Backend, log zerolog.Logger, opts ...EnumeratorOption) *Enumerator {
	e := &Enumerator{
		backend: backend,
		log:     log.With().Str("component", "devices").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListInputDevices returns the capture devices. When permission is denied it
// returns an empty slice and an error wrapping ErrPermissionDenied; callers
// should warn and fall back to the default device.
func (e *Enumerator) ListInputDevices(ctx context.Context) ([]AudioDevice, error) {
	return e.ListDevices(ctx, false)
}

// ListDevices is ListInputDevices optionally followed by output devices.
func (e *Enumerator) ListDevices(ctx context.Context, includeOutputs bool) ([]AudioDevice, error) {
	if err := e.checkAccess(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Microphone access was not granted")
		return []AudioDevice{}, err
	}

	devices, err := e.backend.Devices()
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to list audio devices")
		return []AudioDevice{}, err
	}

	result := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.Kind == KindInput || (includeOutputs && d.Kind == KindOutput) {
			if d.Name == "" {
				d.Name = UnnamedDeviceLabel
			}
			result = append(result, d)
		}
	}

	// inputs first, stable otherwise
	if includeOutputs {
		ordered := make([]AudioDevice, 0, len(result))
		for _, kind := range []DeviceKind{KindInput, KindOutput} {
			for _, d := range result {
				if d.Kind == kind {
					ordered = append(ordered, d)
				}
			}
		}
		result = ordered
	}

	return result, nil
}

// checkAccess acquires and immediately releases the default input. Listing
// is only attempted once capture works, so any failure to open here is
// reported as a denial. Recording opens report their own errors unchanged.
func (e *Enumerator) checkAccess(ctx context.Context) error {
	if e.permission != nil {
		if err := e.permission(); err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}

	stream, err := e.backend.Open(ctx, StreamRequest{Channels: 1})
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	return stream.Close()
}
