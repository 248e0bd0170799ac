package permissions

import "errors"

// ErrNotGranted is returned when the OS has not authorized microphone access.
var ErrNotGranted = errors.New("microphone permission not granted")
