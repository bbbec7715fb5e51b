/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build linux

package transport

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// RawSocket implements Socket over an OS stream socket fd. It wraps the
// kernel primitive; it does not add any protocol of its own. EAGAIN from the
// kernel is folded into the signed-count contract: 0 in blocking mode
// (timeout via SO_RCVTIMEO/SO_SNDTIMEO), -1 in non-blocking mode.
type RawSocket struct {
	fd       int
	id       uint64
	blocking atomic.Bool
	closed   atomic.Bool
}

// NewRawSocket opens a fresh, unconnected stream socket in blocking mode.
func NewRawSocket() (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}
	s := &RawSocket{fd: fd, id: nextSocketID.Add(1)}
	s.blocking.Store(true)
	return s, nil
}

func newRawSocketFromFd(fd int) *RawSocket {
	s := &RawSocket{fd: fd, id: nextSocketID.Add(1)}
	s.blocking.Store(true)
	return s
}

func sockaddrOf(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return sa, nil
	}
	return nil, ErrRangeBounds
}

// ID implements Socket.
func (s *RawSocket) ID() uint64 { return s.id }

// Fd returns the underlying descriptor for diagnostics.
func (s *RawSocket) Fd() int { return s.fd }

// Connect implements Socket. In non-blocking mode EINPROGRESS is not an
// error; completion is observable through IsConnected.
func (s *RawSocket) Connect(remote *net.UDPAddr) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	sa, err := sockaddrOf(remote)
	if err != nil {
		return err
	}
	for {
		err = unix.Connect(s.fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	switch err {
	case nil, unix.EISCONN:
		return nil
	case unix.EINPROGRESS, unix.EALREADY:
		if !s.blocking.Load() {
			return nil
		}
		return fmt.Errorf("transport: connect: %w", err)
	case unix.ECONNREFUSED:
		return ErrConnectRefused
	case unix.ETIMEDOUT:
		return ErrConnectTimeout
	default:
		return fmt.Errorf("transport: connect: %w", err)
	}
}

// Bind implements Socket.
func (s *RawSocket) Bind(local *net.UDPAddr) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	sa, err := sockaddrOf(local)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("transport: setsockopt: %w", err)
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return fmt.Errorf("transport: bind: %w", err)
	}
	return nil
}

// Close implements Socket.
func (s *RawSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Close(s.fd); err != nil {
		internalLogger.Warnf("raw socket close failed; fd=%d err=%v", s.fd, err)
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

// ConfigureBlocking implements Socket. The kernel is asked first; the local
// flag is updated only when the kernel accepted the mode.
func (s *RawSocket) ConfigureBlocking(block bool) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if err := unix.SetNonblock(s.fd, !block); err != nil {
		return fmt.Errorf("transport: set nonblock: %w", err)
	}
	s.blocking.Store(block)
	return nil
}

// SetSoTimeout bounds blocking transfers via SO_RCVTIMEO and SO_SNDTIMEO.
func (s *RawSocket) SetSoTimeout(d time.Duration) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("transport: setsockopt: %w", err)
	}
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("transport: setsockopt: %w", err)
	}
	return nil
}

// IsConnected implements Socket.
func (s *RawSocket) IsConnected() bool {
	if s.closed.Load() {
		return false
	}
	if soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR); err != nil || soerr != 0 {
		return false
	}
	_, err := unix.Getpeername(s.fd)
	return err == nil
}

// Send implements Socket.
func (s *RawSocket) Send(region []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	if len(region) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(s.fd, region)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if s.blocking.Load() {
				return 0, nil // SO_SNDTIMEO elapsed
			}
			return -1, nil
		case unix.EPIPE, unix.ECONNRESET, unix.EBADF:
			return 0, ErrSocketClosed
		default:
			return 0, fmt.Errorf("transport: send: %w", err)
		}
	}
}

// SendRange implements Socket.
func (s *RawSocket) SendRange(array []byte, position, limit int) (int, error) {
	if err := checkRange(array, position, limit); err != nil {
		return 0, err
	}
	return s.Send(array[position:limit])
}

// Receive implements Socket.
func (s *RawSocket) Receive(region []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	if len(region) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(s.fd, region)
		switch err {
		case nil:
			if n == 0 {
				// peer performed an orderly shutdown
				return 0, ErrSocketClosed
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if s.blocking.Load() {
				return 0, nil // SO_RCVTIMEO elapsed
			}
			return -1, nil
		case unix.ECONNRESET, unix.EBADF:
			return 0, ErrSocketClosed
		default:
			return 0, fmt.Errorf("transport: receive: %w", err)
		}
	}
}

// ReceiveRange implements Socket.
func (s *RawSocket) ReceiveRange(array []byte, position, limit int) (int, error) {
	if err := checkRange(array, position, limit); err != nil {
		return 0, err
	}
	return s.Receive(array[position:limit])
}

// Readable implements Pollable.
func (s *RawSocket) Readable() bool {
	return s.poll(unix.POLLIN)
}

// Writable implements Pollable.
func (s *RawSocket) Writable() bool {
	return s.poll(unix.POLLOUT)
}

func (s *RawSocket) poll(events int16) bool {
	if s.closed.Load() {
		return false
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n == 1 && fds[0].Revents&events != 0
}

func (s *RawSocket) String() string {
	return fmt.Sprintf("raw socket id=%d fd=%d", s.id, s.fd)
}

// RawListener implements Listener over a listening stream socket fd.
type RawListener struct {
	fd       int
	addr     *net.UDPAddr
	blocking atomic.Bool
	closed   atomic.Bool
}

// RawListen binds and listens at addr.
func RawListen(addr *net.UDPAddr, backlog int) (*RawListener, error) {
	s, err := NewRawSocket()
	if err != nil {
		return nil, err
	}
	if err := s.Bind(addr); err != nil {
		_ = s.Close()
		return nil, err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	ln := &RawListener{fd: s.fd, addr: addr}
	ln.blocking.Store(true)
	return ln, nil
}

// ConfigureBlocking switches the accept mode.
func (ln *RawListener) ConfigureBlocking(block bool) error {
	if ln.closed.Load() {
		return ErrSocketClosed
	}
	if err := unix.SetNonblock(ln.fd, !block); err != nil {
		return fmt.Errorf("transport: set nonblock: %w", err)
	}
	ln.blocking.Store(block)
	return nil
}

// Addr implements Listener.
func (ln *RawListener) Addr() *net.UDPAddr { return ln.addr }

// Accept implements Listener.
func (ln *RawListener) Accept() (Socket, error) {
	if ln.closed.Load() {
		return nil, ErrSocketClosed
	}
	for {
		fd, _, err := unix.Accept4(ln.fd, unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return newRawSocketFromFd(fd), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if !ln.blocking.Load() {
				return nil, nil
			}
			return nil, ErrSocketClosed
		case unix.EBADF, unix.EINVAL:
			return nil, ErrSocketClosed
		default:
			return nil, fmt.Errorf("transport: accept: %w", err)
		}
	}
}

// Close implements Listener.
func (ln *RawListener) Close() error {
	if !ln.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Close(ln.fd); err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
