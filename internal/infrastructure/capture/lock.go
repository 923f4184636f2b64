package capture

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

var ErrDeviceBusy = errors.New("capture device is owned by another node")

// AcquireDeviceLock takes an exclusive lock on path so only one node per host
// drives the microphone array. Unlock the returned lock on shutdown.
func AcquireDeviceLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, path)
	}
	return lock, nil
}
