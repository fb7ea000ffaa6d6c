//go:build linux

package focus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// PlatformLookup picks a lookup for the running display server.
func PlatformLookup() LookupFunc {
	switch detectDisplay() {
	case "x11":
		return x11Lookup
	case "wayland":
		return waylandLookup
	default:
		return func(context.Context) (WindowInfo, error) { return WindowInfo{}, ErrUnavailable }
	}
}

// detectDisplay determines the display server type. XWayland sessions
// report x11 because X tools work there.
func detectDisplay() string {
	if os.Getenv("DISPLAY") != "" {
		return "x11"
	}
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return "wayland"
	}
	return "unknown"
}

func x11Lookup(ctx context.Context) (WindowInfo, error) {
	if info, err := xdotoolLookup(ctx); err == nil {
		return info, nil
	}
	return xpropLookup(ctx)
}

func xdotoolLookup(ctx context.Context) (WindowInfo, error) {
	out, err := exec.CommandContext(ctx, "xdotool", "getactivewindow").Output()
	if err != nil {
		return WindowInfo{}, err
	}
	id := strings.TrimSpace(string(out))

	var info WindowInfo
	if out, err := exec.CommandContext(ctx, "xdotool", "getwindowname", id).Output(); err == nil {
		info.Title = strings.TrimSpace(string(out))
	}
	if out, err := exec.CommandContext(ctx, "xdotool", "getwindowpid", id).Output(); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil {
			info.PID = pid
			info.Application = procName(pid)
		}
	}
	return info, nil
}

func xpropLookup(ctx context.Context) (WindowInfo, error) {
	out, err := exec.CommandContext(ctx, "xprop", "-root", "_NET_ACTIVE_WINDOW").Output()
	if err != nil {
		return WindowInfo{}, err
	}
	fields := strings.Fields(string(out))
	if len(fields) < 5 {
		return WindowInfo{}, errors.New("failed to parse xprop output")
	}
	out, err = exec.CommandContext(ctx, "xprop", "-id", fields[len(fields)-1], "WM_NAME", "WM_CLASS", "_NET_WM_PID").Output()
	if err != nil {
		return WindowInfo{}, err
	}
	return parseXprop(string(out)), nil
}

// parseXprop extracts title, class and pid from xprop -id output.
func parseXprop(out string) WindowInfo {
	var info WindowInfo
	for _, line := range strings.Split(out, "\n") {
		_, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(line, "WM_NAME"):
			info.Title = strings.Trim(value, `"`)
		case strings.HasPrefix(line, "WM_CLASS"):
			parts := strings.Split(value, ", ")
			info.Application = strings.Trim(parts[len(parts)-1], `"`)
		case strings.HasPrefix(line, "_NET_WM_PID"):
			if pid, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				info.PID = pid
			}
		}
	}
	if info.Application == "" && info.PID > 0 {
		info.Application = procName(info.PID)
	}
	return info
}

// gnomeFocusScript runs inside GNOME Shell and returns the focused window
// as JSON.
const gnomeFocusScript = `(function(){const w=global.display.focus_window;` +
	`return w?JSON.stringify({title:w.get_title(),app:w.get_wm_class(),pid:w.get_pid()}):"";})()`

// waylandLookup asks GNOME Shell over the session bus. Other compositors
// do not expose the focused window.
func waylandLookup(ctx context.Context) (WindowInfo, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return WindowInfo{}, fmt.Errorf("session bus: %w", err)
	}
	defer conn.Close()

	var ok bool
	var result string
	obj := conn.Object("org.gnome.Shell", dbus.ObjectPath("/org/gnome/Shell"))
	if err := obj.CallWithContext(ctx, "org.gnome.Shell.Eval", 0, gnomeFocusScript).Store(&ok, &result); err != nil {
		return WindowInfo{}, fmt.Errorf("gnome shell eval: %w", err)
	}
	if !ok {
		return WindowInfo{}, ErrUnavailable
	}
	return parseShellResult(result)
}

func parseShellResult(result string) (WindowInfo, error) {
	unquoted, err := strconv.Unquote(result)
	if err != nil {
		unquoted = result
	}
	if unquoted == "" {
		return WindowInfo{}, nil
	}
	var raw struct {
		Title string `json:"title"`
		App   string `json:"app"`
		PID   int    `json:"pid"`
	}
	if err := json.Unmarshal([]byte(unquoted), &raw); err != nil {
		return WindowInfo{}, fmt.Errorf("decode shell result: %w", err)
	}
	return WindowInfo{Title: raw.Title, Application: raw.App, PID: raw.PID}, nil
}

func procName(pid int) string {
	if target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		return filepath.Base(target)
	}
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}
