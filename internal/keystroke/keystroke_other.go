//go:build !linux

package keystroke

import "context"

// StubSource is used on platforms without a native hook.
type StubSource struct{}

func newPlatformSource(string) Source {
	return StubSource{}
}

// Available returns false on unsupported platforms.
func (StubSource) Available() (bool, string) {
	return false, "keyboard capture not implemented for this platform"
}

// Start returns ErrNotAvailable.
func (StubSource) Start(context.Context, Handler) error {
	return ErrNotAvailable
}

// Stop is a no-op.
func (StubSource) Stop() error {
	return nil
}
