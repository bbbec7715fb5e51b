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

// Package transport defines the transport socket primitive a channel wraps,
// plus two implementations: an in-process loopback socket (MemSocket) and a
// raw fd-backed socket on linux (RawSocket).
//
// Send and Receive follow a signed-count contract shared by all
// implementations:
//
//	< 0  nothing available / no buffer space (non-blocking mode)
//	== 0 timeout elapsed (blocking mode) or nothing available (non-blocking)
//	> 0  exact transferred byte count
//
// Hard failures (closed socket, torn connection) are returned as errors;
// "no progress" is never an error.
package transport

import (
	"errors"
	"net"
)

var (
	// ErrSocketClosed is returned by operations on a closed socket.
	ErrSocketClosed = errors.New("transport: socket is closed")
	// ErrNotConnected is returned by transfers on an unconnected socket.
	ErrNotConnected = errors.New("transport: socket is not connected")
	// ErrAlreadyBound is returned by a second Bind.
	ErrAlreadyBound = errors.New("transport: socket is already bound")
	// ErrConnectRefused is returned when no peer listens at the remote address.
	ErrConnectRefused = errors.New("transport: connection refused")
	// ErrConnectTimeout is returned when a blocking connect exceeds the
	// configured timeout.
	ErrConnectTimeout = errors.New("transport: connect timed out")
	// ErrRangeBounds is returned by positional transfers with an invalid
	// (position, limit) pair.
	ErrRangeBounds = errors.New("transport: position/limit out of range")
)

// Socket is the reliable transport primitive a channel exclusively owns.
// Implementations must be safe for one concurrent reader plus one concurrent
// writer, and Close must unblock any in-flight blocking transfer.
type Socket interface {
	// Connect starts or completes the handshake with the remote peer. In
	// blocking mode it returns once the handshake finished or failed; in
	// non-blocking mode it starts the handshake and returns immediately,
	// with completion observable through IsConnected.
	Connect(remote *net.UDPAddr) error

	// Bind assigns the local address. Must be called before Connect.
	Bind(local *net.UDPAddr) error

	// Close releases the socket. Closing is terminal and idempotent.
	Close() error

	// ConfigureBlocking switches between blocking and non-blocking
	// operating modes. An error means the mode was not changed.
	ConfigureBlocking(block bool) error

	// IsConnected reports the live handshake status. This is the source of
	// truth a channel's connection flags may transiently lag behind.
	IsConnected() bool

	// Send transfers from one contiguous region, returning a signed count.
	Send(region []byte) (int, error)

	// SendRange transfers array[position:limit] through the positional
	// primitive, returning a signed count. The cursor bookkeeping belongs
	// to the caller.
	SendRange(array []byte, position, limit int) (int, error)

	// Receive fills one contiguous region, returning a signed count.
	Receive(region []byte) (int, error)

	// ReceiveRange fills array[position:limit], returning a signed count.
	ReceiveRange(array []byte, position, limit int) (int, error)

	// ID returns a stable identity for diagnostics and registries.
	ID() uint64
}

// Listener accepts handshakes and yields connected sockets.
type Listener interface {
	// Accept returns the next connected socket. In non-blocking mode it
	// returns (nil, nil) when no handshake is pending.
	Accept() (Socket, error)
	// Addr returns the bound local address.
	Addr() *net.UDPAddr
	// Close stops accepting. Pending handshakes are refused.
	Close() error
}

// Pollable is implemented by sockets that can report readiness without
// transferring; the selector uses it for readiness sampling.
type Pollable interface {
	// Readable reports whether a Receive would make progress.
	Readable() bool
	// Writable reports whether a Send would make progress.
	Writable() bool
}

// checkRange validates a positional transfer window against the backing
// array. Every implementation shares it.
func checkRange(array []byte, position, limit int) error {
	if position < 0 || limit < position || limit > len(array) {
		return ErrRangeBounds
	}
	return nil
}
