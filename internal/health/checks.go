package health

import (
	"context"

	"github.com/dustin/go-humanize"
)

// PingCheck wraps a connectivity probe such as a database ping.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: what + " unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFree bytes available.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(context.Context) CheckResult {
		free, err := freeBytes(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "cannot stat filesystem", Error: err.Error()}
		}
		res := CheckResult{
			Status:  StatusHealthy,
			Message: humanize.Bytes(free) + " free",
			Details: map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree},
		}
		if free < minFree {
			res.Status = StatusDegraded
			res.Message = "low disk space: " + res.Message
		}
		return res
	}
}

// ErrorStringCheck degrades while last returns a non-empty error message.
func ErrorStringCheck(what string, last func() string) Check {
	return func(context.Context) CheckResult {
		if msg := last(); msg != "" {
			return CheckResult{Status: StatusDegraded, Message: what + " reported an error", Error: msg}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}
