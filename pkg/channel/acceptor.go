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

package channel

import (
	"net"
	"sync/atomic"

	"github.com/srediag/udtchan/pkg/transport"
)

// AcceptorChannel accepts handshakes and hands out pre-connected Connector
// channels. It carries the Acceptor kind tag toward a multiplexer.
type AcceptorChannel struct {
	ln   transport.Listener
	open atomic.Bool
}

// Listen wraps a bound transport listener into an acceptor channel.
func Listen(ln transport.Listener) (*AcceptorChannel, error) {
	if ln == nil {
		return nil, ErrNilArgument
	}
	a := &AcceptorChannel{ln: ln}
	a.open.Store(true)
	return a, nil
}

// Kind returns the Acceptor role tag.
func (a *AcceptorChannel) Kind() Kind { return Acceptor }

// IsOpen reports whether the acceptor has not been closed.
func (a *AcceptorChannel) IsOpen() bool { return a.open.Load() }

// Addr returns the bound local address.
func (a *AcceptorChannel) Addr() *net.UDPAddr { return a.ln.Addr() }

// Accept returns the next connection as a pre-connected channel. With a
// non-blocking listener it returns (nil, nil) when no handshake is pending.
func (a *AcceptorChannel) Accept() (*Channel, error) {
	if !a.open.Load() {
		return nil, ErrClosedChannel
	}
	sock, err := a.ln.Accept()
	if err != nil {
		if !a.open.Load() {
			return nil, ErrClosedChannel
		}
		return nil, err
	}
	if sock == nil {
		return nil, nil
	}
	return OpenPreConnected(sock, sock.IsConnected()), nil
}

// Close stops accepting. Closing is terminal and idempotent; channels
// already handed out stay open.
func (a *AcceptorChannel) Close() error {
	if !a.open.CompareAndSwap(true, false) {
		return nil
	}
	return a.ln.Close()
}
