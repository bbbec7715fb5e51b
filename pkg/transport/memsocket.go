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

package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/udtchan/internal/logutil"
)

var internalLogger = logutil.New("transport", nil)

const (
	// memSendBacklog bounds the number of in-flight chunks per direction.
	memSendBacklog = 64

	defaultSoTimeout      = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

var nextSocketID atomic.Uint64

// errNoProgress drives backoff retries while a blocking wait has not made
// progress yet. It never escapes this file.
var errNoProgress = fmt.Errorf("transport: no progress yet")

// listenerRegistry maps bound address strings to live listeners so that
// MemSocket.Connect can rendezvous without any OS resource.
var (
	listenerMu       sync.Mutex
	listenerRegistry = make(map[string]*MemListener)
)

// MemSocket is an in-process loopback implementation of Socket. Each
// direction is a bounded chunk queue; blocking mode waits with exponential
// backoff bounded by the configured timeout, non-blocking mode returns the
// signed would-block contract.
type MemSocket struct {
	id uint64

	blocking   atomic.Bool
	connected  atomic.Bool
	closed     atomic.Bool
	peerClosed atomic.Bool

	soTimeoutNs atomic.Int64

	mu     sync.Mutex // guards local/remote
	local  *net.UDPAddr
	remote *net.UDPAddr

	in   *queue.Queue // chunks from the peer
	peer *MemSocket

	pendingMu sync.Mutex
	pending   []byte // carryover of a partially consumed chunk
}

func newMemSocket() *MemSocket {
	s := &MemSocket{
		id: nextSocketID.Add(1),
		in: queue.New(memSendBacklog),
	}
	s.blocking.Store(true)
	s.soTimeoutNs.Store(int64(defaultSoTimeout))
	return s
}

// NewMemSocket returns a fresh, unconnected loopback socket in blocking mode.
func NewMemSocket() *MemSocket {
	return newMemSocket()
}

// NewMemPair returns two loopback sockets connected to each other, both in
// blocking mode. This mirrors a socket handed out by an acceptor.
func NewMemPair() (*MemSocket, *MemSocket) {
	a, b := newMemSocket(), newMemSocket()
	link(a, b)
	a.connected.Store(true)
	b.connected.Store(true)
	return a, b
}

func link(a, b *MemSocket) {
	a.peer = b
	b.peer = a
}

// SetSoTimeout sets the transfer timeout observed by blocking Send/Receive.
func (s *MemSocket) SetSoTimeout(d time.Duration) {
	if d > 0 {
		s.soTimeoutNs.Store(int64(d))
	}
}

func (s *MemSocket) soTimeout() time.Duration {
	return time.Duration(s.soTimeoutNs.Load())
}

// ID implements Socket.
func (s *MemSocket) ID() uint64 { return s.id }

// IsConnected implements Socket. It turns false again once the peer closed.
func (s *MemSocket) IsConnected() bool {
	return s.connected.Load() && !s.closed.Load() && !s.peerClosed.Load()
}

// ConfigureBlocking implements Socket. The loopback socket accepts either
// mode unconditionally.
func (s *MemSocket) ConfigureBlocking(block bool) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	s.blocking.Store(block)
	return nil
}

// Bind implements Socket.
func (s *MemSocket) Bind(local *net.UDPAddr) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return ErrAlreadyBound
	}
	s.local = local
	return nil
}

// LocalAddr returns the bound local address, if any.
func (s *MemSocket) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteAddr returns the connected remote address, if any.
func (s *MemSocket) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Connect implements Socket. The handshake rendezvous goes through the
// listener registry; in blocking mode Connect waits until the listener
// accepted (or the connect timeout elapsed), in non-blocking mode it returns
// immediately and completion is observable through IsConnected.
func (s *MemSocket) Connect(remote *net.UDPAddr) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if s.connected.Load() {
		return nil
	}

	listenerMu.Lock()
	ln := listenerRegistry[remote.String()]
	listenerMu.Unlock()
	if ln == nil || ln.closed.Load() {
		return ErrConnectRefused
	}

	server := newMemSocket()
	link(s, server)
	s.mu.Lock()
	s.remote = remote
	clientAddr := s.local
	s.mu.Unlock()
	server.mu.Lock()
	server.local = remote
	server.remote = clientAddr
	server.mu.Unlock()

	if err := ln.backlog.Put(&memHandshake{client: s, server: server}); err != nil {
		return ErrConnectRefused
	}

	if !s.blocking.Load() {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Microsecond
	bo.MaxInterval = 2 * time.Millisecond
	bo.MaxElapsedTime = defaultConnectTimeout
	err := backoff.Retry(func() error {
		if s.closed.Load() {
			return backoff.Permanent(ErrSocketClosed)
		}
		if s.connected.Load() {
			return nil
		}
		return errNoProgress
	}, bo)
	if err == errNoProgress {
		return ErrConnectTimeout
	}
	return err
}

// Close implements Socket. It disposes the inbound queue, which unblocks any
// in-flight blocking transfer on this socket.
func (s *MemSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.in.Dispose()
	if p := s.peer; p != nil {
		p.peerClosed.Store(true)
	}
	internalLogger.Debugf("mem socket closed; id=%d", s.id)
	return nil
}

// Send implements Socket.
func (s *MemSocket) Send(region []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	if !s.connected.Load() {
		return 0, ErrNotConnected
	}
	p := s.peer
	if p == nil || p.closed.Load() {
		return 0, ErrSocketClosed
	}
	if len(region) == 0 {
		return 0, nil
	}

	if int(p.in.Len()) >= memSendBacklog {
		if !s.blocking.Load() {
			return -1, nil
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Microsecond
		bo.MaxInterval = 2 * time.Millisecond
		bo.MaxElapsedTime = s.soTimeout()
		err := backoff.Retry(func() error {
			if s.closed.Load() || p.closed.Load() {
				return backoff.Permanent(ErrSocketClosed)
			}
			if int(p.in.Len()) < memSendBacklog {
				return nil
			}
			return errNoProgress
		}, bo)
		if err == errNoProgress {
			return 0, nil // send timeout
		}
		if err != nil {
			return 0, ErrSocketClosed
		}
	}

	chunk := make([]byte, len(region))
	copy(chunk, region)
	if err := p.in.Put(chunk); err != nil {
		return 0, ErrSocketClosed
	}
	return len(region), nil
}

// SendRange implements Socket.
func (s *MemSocket) SendRange(array []byte, position, limit int) (int, error) {
	if err := checkRange(array, position, limit); err != nil {
		return 0, err
	}
	return s.Send(array[position:limit])
}

// Receive implements Socket.
func (s *MemSocket) Receive(region []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	if !s.connected.Load() {
		return 0, ErrNotConnected
	}
	if len(region) == 0 {
		return 0, nil
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if len(s.pending) > 0 {
		return s.consumePending(region), nil
	}

	var (
		items []interface{}
		err   error
	)
	if s.blocking.Load() {
		items, err = s.in.Poll(1, s.soTimeout())
		if err == queue.ErrTimeout {
			return 0, nil
		}
	} else {
		if s.in.Len() == 0 {
			if s.peerClosed.Load() {
				return 0, ErrSocketClosed
			}
			return -1, nil
		}
		items, err = s.in.Get(1)
	}
	if err != nil || len(items) == 0 {
		// Dispose unblocks Poll/Get; a racing drain can also leave the
		// result empty.
		if s.closed.Load() || s.peerClosed.Load() {
			return 0, ErrSocketClosed
		}
		if err != nil {
			return 0, fmt.Errorf("transport: receive failed: %w", err)
		}
		return 0, nil
	}

	s.pending = items[0].([]byte)
	return s.consumePending(region), nil
}

// ReceiveRange implements Socket.
func (s *MemSocket) ReceiveRange(array []byte, position, limit int) (int, error) {
	if err := checkRange(array, position, limit); err != nil {
		return 0, err
	}
	return s.Receive(array[position:limit])
}

// consumePending moves bytes from the carried-over chunk into region.
// Caller holds pendingMu.
func (s *MemSocket) consumePending(region []byte) int {
	n := copy(region, s.pending)
	if n < len(s.pending) {
		s.pending = s.pending[n:]
	} else {
		s.pending = nil
	}
	return n
}

// Readable implements Pollable.
func (s *MemSocket) Readable() bool {
	s.pendingMu.Lock()
	carry := len(s.pending) > 0
	s.pendingMu.Unlock()
	return carry || s.in.Len() > 0
}

// Writable implements Pollable.
func (s *MemSocket) Writable() bool {
	p := s.peer
	return s.IsConnected() && p != nil && int(p.in.Len()) < memSendBacklog
}

func (s *MemSocket) String() string {
	return fmt.Sprintf("mem socket id=%d connected=%v closed=%v",
		s.id, s.connected.Load(), s.closed.Load())
}

// memHandshake carries both halves of a connecting pair through the
// listener's backlog.
type memHandshake struct {
	client *MemSocket
	server *MemSocket
}

// MemListener accepts loopback handshakes for one bound address.
type MemListener struct {
	addr     *net.UDPAddr
	backlog  *queue.Queue
	blocking atomic.Bool
	closed   atomic.Bool
}

// MemListen binds a listener at addr and registers it for rendezvous.
func MemListen(addr *net.UDPAddr) (*MemListener, error) {
	if addr == nil {
		return nil, ErrRangeBounds
	}
	ln := &MemListener{
		addr:    addr,
		backlog: queue.New(memSendBacklog),
	}
	ln.blocking.Store(true)

	listenerMu.Lock()
	defer listenerMu.Unlock()
	if _, taken := listenerRegistry[addr.String()]; taken {
		return nil, ErrAlreadyBound
	}
	listenerRegistry[addr.String()] = ln
	return ln, nil
}

// ConfigureBlocking switches the accept mode.
func (ln *MemListener) ConfigureBlocking(block bool) error {
	if ln.closed.Load() {
		return ErrSocketClosed
	}
	ln.blocking.Store(block)
	return nil
}

// Addr implements Listener.
func (ln *MemListener) Addr() *net.UDPAddr { return ln.addr }

// Accept implements Listener. The returned socket is already connected.
func (ln *MemListener) Accept() (Socket, error) {
	if ln.closed.Load() {
		return nil, ErrSocketClosed
	}
	if !ln.blocking.Load() && ln.backlog.Len() == 0 {
		return nil, nil
	}
	items, err := ln.backlog.Get(1)
	if err != nil || len(items) == 0 {
		return nil, ErrSocketClosed
	}
	hs := items[0].(*memHandshake)
	hs.server.connected.Store(true)
	hs.client.connected.Store(true)
	internalLogger.Debugf("accepted loopback handshake; server=%d client=%d",
		hs.server.id, hs.client.id)
	return hs.server, nil
}

// Close implements Listener. Pending handshakes are refused.
func (ln *MemListener) Close() error {
	if !ln.closed.CompareAndSwap(false, true) {
		return nil
	}
	listenerMu.Lock()
	delete(listenerRegistry, ln.addr.String())
	listenerMu.Unlock()
	ln.backlog.Dispose()
	return nil
}
