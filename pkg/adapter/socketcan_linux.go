// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build linux

package adapter

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// canFrameSize is sizeof(struct can_frame) for classical CAN
const canFrameSize = 16

// SocketCAN is a Driver for Linux SocketCAN interfaces (can0, vcan0, ...).
// Own frames are looped back by the kernel and flagged with MSG_CONFIRM,
// so the driver provides hardware echo.
type SocketCAN struct {
	iface   string
	bitrate int

	mu     sync.Mutex
	fd     int
	closed bool
}

// NewSocketCAN creates a driver for iface. bitrate is reported as the
// connection speed when the interface does not expose one.
func NewSocketCAN(iface string, bitrate int) *SocketCAN {
	return &SocketCAN{iface: iface, bitrate: bitrate, fd: -1}
}

// Name returns the interface name
func (s *SocketCAN) Name() string {
	return "socketcan:" + s.iface
}

// HardwareEcho reports that transmitted frames come back on the read path
func (s *SocketCAN) HardwareEcho() bool {
	return true
}

// Open creates a raw CAN socket bound to the interface
func (s *SocketCAN) Open() error {
	netIf, err := net.InterfaceByName(s.iface)
	if err != nil {
		return errors.Wrapf(err, "failed to find interface %s", s.iface)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return errors.Wrap(err, "failed to create CAN socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "failed to enable own message echo")
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "failed to bind %s", s.iface)
	}

	s.mu.Lock()
	s.fd = fd
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *SocketCAN) handle() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fd < 0 {
		return -1, ErrClosed
	}
	return s.fd, nil
}

// ReadFrame waits up to timeout for one frame. Error frames and standard
// identifiers are skipped.
func (s *SocketCAN) ReadFrame(timeout time.Duration) (Frame, error) {
	fd, err := s.handle()
	if err != nil {
		return Frame{}, err
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return Frame{}, ErrNoFrame
		}
		return Frame{}, err
	}
	if n == 0 {
		return Frame{}, ErrNoFrame
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return Frame{}, ErrClosed
	}

	buf := make([]byte, canFrameSize)
	rn, _, flags, _, err := unix.Recvmsg(fd, buf, nil, 0)
	if err != nil {
		return Frame{}, err
	}
	if rn != canFrameSize {
		return Frame{}, errors.Errorf("short CAN frame: %d bytes", rn)
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&unix.CAN_ERR_FLAG != 0 || id&unix.CAN_RTR_FLAG != 0 || id&unix.CAN_EFF_FLAG == 0 {
		return Frame{}, ErrNoFrame
	}
	dlc := min(int(buf[4]), 8)

	return Frame{
		ID:        id & unix.CAN_EFF_MASK,
		Data:      append([]byte(nil), buf[8:8+dlc]...),
		Timestamp: time.Now(),
		Echo:      flags&unix.MSG_CONFIRM != 0,
	}, nil
}

// WriteFrame sends one extended frame
func (s *SocketCAN) WriteFrame(f Frame) error {
	fd, err := s.handle()
	if err != nil {
		return err
	}
	if len(f.Data) > 8 {
		return errors.Errorf("frame payload too long: %d bytes", len(f.Data))
	}

	buf := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID&unix.CAN_EFF_MASK|unix.CAN_EFF_FLAG)
	buf[4] = uint8(len(f.Data))
	copy(buf[8:], f.Data)

	n, err := unix.Write(fd, buf)
	if err != nil {
		return err
	}
	if n != canFrameSize {
		return errors.New("short CAN write")
	}
	return nil
}

// Bitrate reads the interface bitrate from sysfs, falling back to the
// configured value for virtual interfaces.
func (s *SocketCAN) Bitrate() (int, error) {
	path := fmt.Sprintf("/sys/class/net/%s/can_bittiming/bitrate", s.iface)
	if raw, err := os.ReadFile(path); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && v > 0 {
			return v, nil
		}
	}
	return s.bitrate, nil
}

// Close closes the socket
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fd < 0 {
		return nil
	}
	s.closed = true
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
