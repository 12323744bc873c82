//go:build linux

// Package hotplug reports kernel device add and remove events by listening
// on the kobject uevent netlink socket. No udev daemon or cgo is needed.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// Event actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
	ActionBind   = "bind"
	ActionUnbind = "unbind"
)

// SubsystemVideo4Linux is the subsystem of V4L2 device nodes.
const SubsystemVideo4Linux = "video4linux"

// pollInterval bounds how long Run waits before rechecking its context.
const pollInterval = 250

// Event is one kernel uevent.
type Event struct {
	Action    string
	KObj      string
	Subsystem string
	DevType   string
	// DevName is relative to /dev, for example "video0".
	DevName string
	Env     map[string]string
}

// Node returns the /dev path of the event's device node, or "" when the
// event has none.
func (e Event) Node() string {
	if e.DevName == "" {
		return ""
	}
	return path.Join("/dev", e.DevName)
}

// Monitor is an open uevent socket.
type Monitor struct {
	fd         int
	subsystems map[string]bool
}

// NewMonitor opens the socket. When subsystems are given only their events
// are delivered.
func NewMonitor(subsystems ...string) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, err
	}

	m := &Monitor{fd: fd, subsystems: make(map[string]bool)}
	for _, s := range subsystems {
		m.subsystems[s] = true
	}
	return m, nil
}

// Close releases the socket. Run must have returned.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// Run delivers events to fn until ctx is done or the socket fails. It
// returns ctx.Err() on cancellation.
func (m *Monitor) Run(ctx context.Context, fn func(Event)) error {
	buf := make([]byte, 16<<10)
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, pollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		for {
			n, _, err := unix.Recvfrom(m.fd, buf, 0)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					break
				}
				return err
			}
			ev, ok := ParseUEvent(buf[:n])
			if !ok || !m.wants(ev) {
				continue
			}
			fn(ev)
		}
	}
}

func (m *Monitor) wants(ev Event) bool {
	return len(m.subsystems) == 0 || m.subsystems[ev.Subsystem]
}

// ParseUEvent decodes "ACTION@KOBJ\0KEY=VALUE\0...". Messages relayed by
// udev carry a binary "libudev" header and are rejected, since the kernel
// copy of the same event also arrives.
func ParseUEvent(data []byte) (Event, bool) {
	if len(data) == 0 || bytes.HasPrefix(data, []byte("libudev")) {
		return Event{}, false
	}

	fields := bytes.Split(data, []byte{0})
	action, kobj, ok := strings.Cut(string(fields[0]), "@")
	if !ok || action == "" || kobj == "" {
		return Event{}, false
	}

	ev := Event{Action: action, KObj: kobj, Env: make(map[string]string)}
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(string(f), "=")
		if !ok || key == "" {
			continue
		}
		ev.Env[key] = value
		switch key {
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVTYPE":
			ev.DevType = value
		case "DEVNAME":
			ev.DevName = value
		}
	}
	return ev, true
}
