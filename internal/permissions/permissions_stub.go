//go:build !darwin

package permissions

// Microphone is a no-op on platforms without a capture permission prompt;
// the transient capture check in device listing reports denial there.
func Microphone() error {
	return nil
}
