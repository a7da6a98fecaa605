package platform

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized means the session has no valid login. Retrying will
	// not help; an operator has to re-authenticate.
	ErrUnauthorized = errors.New("platform: not authorized")
	ErrNotConnected = errors.New("platform: not connected")
	ErrNotFound     = errors.New("platform: channel not found")
)

// FloodWaitError is returned when the remote demands a pause before the
// next request.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("platform: flood wait %s", e.Wait)
}

// AsFloodWait reports the mandated pause when err carries one.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) && fw != nil {
		return fw.Wait, true
	}
	return 0, false
}
