//go:build !linux

package focus

import "context"

// PlatformLookup reports no focus information on this platform.
func PlatformLookup() LookupFunc {
	return func(context.Context) (WindowInfo, error) { return WindowInfo{}, ErrUnavailable }
}
