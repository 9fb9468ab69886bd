package loop

import "errors"

// ErrClosed is returned when work is posted to a loop that has shut down.
var ErrClosed = errors.New("loop: closed")
