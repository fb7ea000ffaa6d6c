//go:build linux

package keystroke

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// EvdevSource reads key events from /dev/input event devices.
type EvdevSource struct {
	BaseSource
	device string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newPlatformSource(device string) Source {
	return &EvdevSource{device: device}
}

// NewEvdev returns an evdev source. An empty device autodetects keyboards.
func NewEvdev(device string) *EvdevSource {
	return &EvdevSource{device: device}
}

func (s *EvdevSource) devices() ([]string, error) {
	if s.device != "" {
		return []string{s.device}, nil
	}
	return findKeyboardDevices()
}

// Available checks that at least one keyboard device can be opened.
func (s *EvdevSource) Available() (bool, string) {
	devices, err := s.devices()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}
	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("found keyboard device: %s", dev)
		}
	}
	return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
}

// findKeyboardDevices lists event devices that expose the kbd handler.
func findKeyboardDevices() ([]string, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	devices := parseInputDevices(f)
	if len(devices) == 0 {
		devices, _ = filepath.Glob("/dev/input/by-id/*-event-kbd")
	}
	return devices, nil
}

// parseInputDevices parses /proc/bus/input/devices, returning the event
// node of every block whose handlers include "kbd".
func parseInputDevices(r io.Reader) []string {
	var devices []string
	var handler string
	kbd := false

	flush := func() {
		if kbd && handler != "" {
			devices = append(devices, handler)
		}
		handler, kbd = "", false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if !strings.HasPrefix(line, "H: Handlers=") {
			continue
		}
		for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
			switch {
			case part == "kbd":
				kbd = true
			case strings.HasPrefix(part, "event"):
				handler = "/dev/input/" + part
			}
		}
	}
	flush()
	return devices
}

// Start opens every keyboard device and delivers events to h.
func (s *EvdevSource) Start(ctx context.Context, h Handler) error {
	devices, err := s.devices()
	if err != nil || len(devices) == 0 {
		return ErrNotAvailable
	}

	var fds []int
	for _, dev := range devices {
		fd, err := unix.Open(dev, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			continue
		}
		fds = append(fds, fd)
	}
	if len(fds) == 0 {
		return ErrPermissionDenied
	}
	if err := s.begin(h); err != nil {
		closeAll(fds)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.readLoop(ctx, fds, done)
	return nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// inputEventSize is sizeof(struct input_event) on 64-bit kernels.
const inputEventSize = 24

const (
	evKey       = 1
	valueUp     = 0
	valueDown   = 1
	valueRepeat = 2
)

// decoder turns evdev records into named raw events. It remembers the name
// chosen at press time so the release carries the same name even when
// modifiers changed in between.
type decoder struct {
	mods    Modifiers
	pressed map[uint16]string
}

func newDecoder() *decoder {
	return &decoder{pressed: make(map[uint16]string)}
}

func (d *decoder) decode(buf []byte) (RawEvent, bool) {
	sec := int64(binary.LittleEndian.Uint64(buf[0:8]))
	usec := int64(binary.LittleEndian.Uint64(buf[8:16]))
	typ := binary.LittleEndian.Uint16(buf[16:18])
	code := binary.LittleEndian.Uint16(buf[18:20])
	value := int32(binary.LittleEndian.Uint32(buf[20:24]))

	if typ != evKey || value == valueRepeat {
		return RawEvent{}, false
	}
	at := time.Unix(sec, usec*int64(time.Microsecond))

	if value == valueDown {
		name := KeyName(code, d.mods)
		if bit := modifierBit(code, &d.mods); bit != nil {
			*bit = true
		}
		if code == 58 {
			d.mods.Caps = !d.mods.Caps
		}
		d.pressed[code] = name
		return RawEvent{Key: name, Down: true, Time: at}, true
	}
	if value != valueUp {
		return RawEvent{}, false
	}
	if bit := modifierBit(code, &d.mods); bit != nil {
		*bit = false
	}
	name, ok := d.pressed[code]
	if !ok {
		name = KeyName(code, d.mods)
	}
	delete(d.pressed, code)
	return RawEvent{Key: name, Down: false, Time: at}, true
}

func (s *EvdevSource) readLoop(ctx context.Context, fds []int, done chan struct{}) {
	defer close(done)
	defer closeAll(fds)

	dec := newDecoder()
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	buf := make([]byte, inputEventSize*64)

	for ctx.Err() == nil {
		n, err := unix.Poll(pfds, 200)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return
		}
		if n <= 0 {
			continue
		}
		for i := range pfds {
			if pfds[i].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
				return
			}
			if pfds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			read, err := unix.Read(int(pfds[i].Fd), buf)
			if err != nil || read < inputEventSize {
				continue
			}
			for off := 0; off+inputEventSize <= read; off += inputEventSize {
				if ev, ok := dec.decode(buf[off : off+inputEventSize]); ok {
					s.Emit(ev)
				}
			}
		}
	}
}

// Stop closes the devices and waits for the read loop to exit.
func (s *EvdevSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.end()
	return nil
}
