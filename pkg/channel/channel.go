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

// Package channel provides a connection-oriented, buffer-based I/O channel
// over a transport socket primitive. One Channel exclusively owns one
// transport.Socket for its whole lifetime and exposes the same operations in
// blocking and non-blocking operating modes; "would block" is signaled by a
// zero transfer count or a false connect result, never by an error.
package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/udtchan/internal/logutil"
	"github.com/srediag/udtchan/pkg/buffer"
	"github.com/srediag/udtchan/pkg/transport"
)

var internalLogger = logutil.New("channel", nil)

// Kind distinguishes the channel roles exposed to a multiplexer.
type Kind int

const (
	// Connector is a channel that initiates or carries one connection.
	Connector Kind = iota
	// Acceptor is a channel that accepts connections and hands out
	// pre-connected Connector channels.
	Acceptor
)

func (k Kind) String() string {
	if k == Acceptor {
		return "acceptor"
	}
	return "connector"
}

// Multiplexer is the readiness-notification collaborator a channel can be
// registered with. A non-blocking connect is refused unless the channel is
// registered, since nothing would otherwise observe completion.
type Multiplexer interface {
	Add(c *Channel) error
	Remove(c *Channel)
	Contains(socketID uint64) bool
}

// Config carries optional instrumentation for a channel.
type Config struct {
	// Meter, when set, records per-channel transfer byte counters.
	Meter metric.Meter
	// Tracer, when set, traces connect attempts.
	Tracer trace.Tracer
}

// Channel is the handle a caller holds. It composes the connection lifecycle
// state machine, the connect serialization guard and the buffer transfer
// bridge over one exclusively owned transport socket.
type Channel struct {
	sock transport.Socket
	kind Kind

	open atomic.Bool

	// blockingMode mirrors the socket's operating mode so the read/write
	// hot path does not take a lock. It is written only from
	// ConfigureBlocking, after the socket accepted the mode; a reader may
	// observe it stale by one operation, which is tolerated because the
	// mode is set at setup time, not toggled concurrently with I/O.
	blockingMode atomic.Bool

	connectFinished   atomic.Bool
	connectionPending atomic.Bool

	// connectMu plus connectCond serialize connect/finishConnect/close
	// and provide the rendezvous blocking FinishConnect waits on.
	connectMu   sync.Mutex
	connectCond *sync.Cond

	// blockedOps counts in-flight blocking operations; a close racing one
	// of them is surfaced by the bracket exit as ErrClosedChannel.
	blockedOps atomic.Int32

	regMu sync.Mutex
	mux   Multiplexer

	tracer       trace.Tracer
	bytesRead    metric.Int64Counter
	bytesWritten metric.Int64Counter
}

// Open wraps a fresh, unconnected transport socket into a channel.
func Open(sock transport.Socket) *Channel {
	return OpenWithConfig(sock, nil)
}

// OpenWithConfig wraps a fresh transport socket, attaching optional
// instrumentation.
func OpenWithConfig(sock transport.Socket, cfg *Config) *Channel {
	c := newChannel(sock, cfg)
	return c
}

// OpenPreConnected wraps a socket handed out by an acceptor. When connected
// is true the channel starts in the connect-finished state; otherwise the
// handshake is treated as still pending.
func OpenPreConnected(sock transport.Socket, connected bool) *Channel {
	c := newChannel(sock, nil)
	if connected {
		c.connectFinished.Store(true)
	} else {
		c.connectionPending.Store(true)
	}
	return c
}

func newChannel(sock transport.Socket, cfg *Config) *Channel {
	c := &Channel{sock: sock, kind: Connector}
	c.connectCond = sync.NewCond(&c.connectMu)
	c.open.Store(true)
	c.blockingMode.Store(true)
	channelsOpen.Inc()
	if cfg != nil {
		c.tracer = cfg.Tracer
		if cfg.Meter != nil {
			c.bytesRead, _ = cfg.Meter.Int64Counter("udtchan.channel.read.bytes")
			c.bytesWritten, _ = cfg.Meter.Int64Counter("udtchan.channel.write.bytes")
		}
	}
	return c
}

// Kind returns the channel role tag exposed to a multiplexer.
func (c *Channel) Kind() Kind { return c.kind }

// Socket returns the owned transport socket, for readiness polling and
// diagnostics. No caller may close or reconfigure it directly.
func (c *Channel) Socket() transport.Socket { return c.sock }

// ID returns the owned socket's stable identity.
func (c *Channel) ID() uint64 { return c.sock.ID() }

// IsOpen reports whether the channel has not been closed.
func (c *Channel) IsOpen() bool { return c.open.Load() }

// IsBlocking reports the locally mirrored blocking mode.
func (c *Channel) IsBlocking() bool { return c.blockingMode.Load() }

// IsConnected delegates to the transport socket's live handshake status,
// the source of truth the local flags may transiently lag behind.
func (c *Channel) IsConnected() bool { return c.sock.IsConnected() }

// IsConnectFinished reports the locally tracked connect-finished flag.
func (c *Channel) IsConnectFinished() bool { return c.connectFinished.Load() }

// IsConnectionPending reports whether a connect sequence is in flight.
func (c *Channel) IsConnectionPending() bool { return c.connectionPending.Load() }

// ConfigureBlocking switches the operating mode. The socket is asked first;
// the local mirror is updated only when the socket accepted the mode, so the
// mirror never reflects a rejected mode.
func (c *Channel) ConfigureBlocking(block bool) error {
	if !c.open.Load() {
		return ErrClosedChannel
	}
	if err := c.sock.ConfigureBlocking(block); err != nil {
		return err
	}
	c.blockingMode.Store(block)
	return nil
}

// Bind assigns the local address and returns the channel for chaining.
func (c *Channel) Bind(local *net.UDPAddr) (*Channel, error) {
	if !c.open.Load() {
		return nil, ErrClosedChannel
	}
	if local == nil {
		return nil, ErrNilArgument
	}
	if err := c.sock.Bind(local); err != nil {
		return nil, err
	}
	return c, nil
}

// Register attaches the channel to a multiplexer. Registration is what
// permits a non-blocking connect.
func (c *Channel) Register(m Multiplexer) error {
	if !c.open.Load() {
		return ErrClosedChannel
	}
	if m == nil {
		return ErrNilArgument
	}
	if err := m.Add(c); err != nil {
		return err
	}
	c.regMu.Lock()
	c.mux = m
	c.regMu.Unlock()
	return nil
}

// Deregister detaches the channel from its multiplexer, if any.
func (c *Channel) Deregister() {
	c.regMu.Lock()
	m := c.mux
	c.mux = nil
	c.regMu.Unlock()
	if m != nil {
		m.Remove(c)
	}
}

// IsRegistered reports whether the channel is attached to a multiplexer.
func (c *Channel) IsRegistered() bool {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.mux != nil
}

// Connect starts the connection handshake toward remote.
//
// Blocking mode: returns once the handshake finished, reporting the socket's
// connected status. Non-blocking mode: starts the handshake and returns
// false; the caller must later invoke FinishConnect, typically after a
// readiness notification.
//
// A connect on an already connected channel is an idempotent no-op returning
// true. A nil or unresolved address and a racing second connect close the
// channel defensively before failing.
func (c *Channel) Connect(remote *net.UDPAddr) (bool, error) {
	if !c.open.Load() {
		return false, ErrClosedChannel
	}

	if c.IsConnected() {
		internalLogger.Warnf("already connected; ignoring remote=%v", remote)
		return true, nil
	}

	if remote == nil {
		internalLogger.Errorf("remote address is nil; socket=%d", c.sock.ID())
		_ = c.Close()
		return false, ErrNilArgument
	}

	if remote.IP == nil {
		internalLogger.Errorf("can not use unresolved address; remote=%v", remote)
		_ = c.Close()
		return false, ErrUnresolvedAddress
	}

	connectAttempts.Inc()
	if c.tracer != nil {
		_, span := c.tracer.Start(context.Background(), "channel.connect")
		defer span.End()
	}

	if c.blockingMode.Load() {
		return c.connectBlocking(remote)
	}
	return c.connectNonBlocking(remote)
}

func (c *Channel) connectBlocking(remote *net.UDPAddr) (bool, error) {
	c.connectMu.Lock()

	if c.connectionPending.Load() {
		c.connectMu.Unlock()
		_ = c.Close()
		return false, ErrConnectionPending
	}
	c.connectionPending.Store(true)

	c.begin()
	err := c.sock.Connect(remote)
	endErr := c.end()

	c.connectionPending.Store(false)
	c.connectCond.Broadcast()
	c.connectMu.Unlock()

	if endErr != nil {
		return false, endErr
	}
	if err != nil {
		return false, err
	}
	return c.sock.IsConnected(), nil
}

func (c *Channel) connectNonBlocking(remote *net.UDPAddr) (bool, error) {
	if !c.IsRegistered() {
		internalLogger.Errorf("channel is in non-blocking mode; "+
			"must register with a multiplexer before trying to connect; socket=%d",
			c.sock.ID())
		return false, ErrIllegalBlockingMode
	}

	c.connectMu.Lock()
	if c.connectionPending.Load() {
		c.connectMu.Unlock()
		internalLogger.Errorf("connection already in progress; socket=%d", c.sock.ID())
		_ = c.Close()
		return false, ErrConnectionPending
	}
	c.connectFinished.Store(false)
	c.connectionPending.Store(true)

	err := c.sock.Connect(remote)
	c.connectMu.Unlock()

	if err != nil {
		return false, err
	}

	// The connect operation must later be completed by FinishConnect.
	return false, nil
}

// FinishConnect completes a connect sequence. In blocking mode it waits on
// the rendezvous while a connect is pending, which also lets it join a
// connect attempt initiated by another goroutine; a close during the wait
// surfaces as an I/O error wrapping ErrClosedChannel.
func (c *Channel) FinishConnect() (bool, error) {
	if !c.open.Load() {
		return false, ErrClosedChannel
	}

	if c.blockingMode.Load() {
		c.connectMu.Lock()
		for c.connectionPending.Load() {
			if !c.open.Load() {
				c.connectMu.Unlock()
				return false, fmt.Errorf("channel: finishConnect wait interrupted: %w", ErrClosedChannel)
			}
			c.connectCond.Wait()
		}
		c.connectMu.Unlock()
	}

	if c.IsConnected() {
		c.connectFinished.Store(true)
		c.connectionPending.Store(false)
		return true, nil
	}

	internalLogger.Errorf("connect failure; socket=%d", c.sock.ID())
	return false, ErrConnectFailed
}

// Read transfers from the transport socket into the buffer's remaining
// region. Note: Read does not return a negative end-of-stream count.
//
// The result follows the normalized contract: 0 means a receive timeout in
// blocking mode, or that nothing was available in non-blocking mode; a
// positive count is the exact received byte count and never exceeds the
// buffer's pre-call remaining capacity.
func (c *Channel) Read(buf *buffer.Buffer) (int, error) {
	if buf == nil {
		return 0, ErrNilArgument
	}
	if !c.open.Load() {
		return 0, ErrClosedChannel
	}

	remaining := buf.Remaining()
	if remaining <= 0 {
		return 0, nil
	}

	// Capture once so a concurrent reconfiguration cannot split the
	// bracket from the transfer.
	sock := c.sock
	isBlocking := c.blockingMode.Load()

	var (
		received int
		err      error
	)

	if isBlocking {
		c.begin()
	}
	if buf.IsDirect() {
		received, err = sock.Receive(buf.Window())
	} else {
		array, arrErr := buf.Array()
		if arrErr != nil {
			if isBlocking {
				_ = c.end()
			}
			return 0, arrErr
		}
		received, err = sock.ReceiveRange(array, buf.Position(), buf.Limit())
	}
	if isBlocking {
		if endErr := c.end(); endErr != nil && err == nil {
			err = endErr
		}
	}
	if err != nil {
		return 0, err
	}

	n := c.normalize(received, remaining, "received")
	if n > 0 {
		_ = buf.SetPosition(buf.Position() + n)
		bytesReadTotal.Add(float64(n))
		if c.bytesRead != nil {
			c.bytesRead.Add(context.Background(), int64(n))
		}
	}
	return n, nil
}

// Write transfers the buffer's remaining region to the transport socket.
//
// The result follows the normalized contract: 0 means a send timeout in
// blocking mode, or that the socket had no buffer space in non-blocking
// mode; a positive count is the exact sent byte count and never exceeds the
// buffer's pre-call remaining capacity.
func (c *Channel) Write(buf *buffer.Buffer) (int, error) {
	if buf == nil {
		return 0, ErrNilArgument
	}
	if !c.open.Load() {
		return 0, ErrClosedChannel
	}

	remaining := buf.Remaining()
	if remaining <= 0 {
		return 0, nil
	}

	sock := c.sock
	isBlocking := c.blockingMode.Load()

	var (
		sent int
		err  error
	)

	if isBlocking {
		c.begin()
	}
	if buf.IsDirect() {
		sent, err = sock.Send(buf.Window())
	} else {
		array, arrErr := buf.Array()
		if arrErr != nil {
			if isBlocking {
				_ = c.end()
			}
			return 0, arrErr
		}
		sent, err = sock.SendRange(array, buf.Position(), buf.Limit())
	}
	if isBlocking {
		if endErr := c.end(); endErr != nil && err == nil {
			err = endErr
		}
	}
	if err != nil {
		return 0, err
	}

	n := c.normalize(sent, remaining, "sent")
	if n > 0 {
		_ = buf.SetPosition(buf.Position() + n)
		bytesWrittenTotal.Add(float64(n))
		if c.bytesWritten != nil {
			c.bytesWritten.Add(context.Background(), int64(n))
		}
	}
	return n, nil
}

// normalize collapses the transport socket's signed count into the channel
// contract. A count exceeding the requested remaining must never happen; it
// is logged and clamped to 0 rather than propagated.
func (c *Channel) normalize(count, remaining int, direction string) int {
	if count < 0 {
		internalLogger.Tracef("nothing was %s; socket=%d", direction, c.sock.ID())
		return 0
	}
	if count == 0 {
		internalLogger.Tracef("%s timeout; socket=%d", direction, c.sock.ID())
		return 0
	}
	if count <= remaining {
		return count
	}
	internalLogger.Errorf("should not happen: %s count %d exceeds remaining %d; socket=%d",
		direction, count, remaining, c.sock.ID())
	overCountClamps.Inc()
	return 0
}

// ReadVector is unsupported: this channel provides no scatter transfer.
func (c *Channel) ReadVector(bufs []*buffer.Buffer) (int64, error) {
	return 0, ErrUnsupportedOperation
}

// WriteVector is unsupported: this channel provides no gather transfer.
func (c *Channel) WriteVector(bufs []*buffer.Buffer) (int64, error) {
	return 0, ErrUnsupportedOperation
}

// Close closes the channel and its owned socket. Closing is terminal and
// idempotent; it wakes any FinishConnect waiter and unblocks in-flight
// blocking transfers by closing the socket underneath them.
func (c *Channel) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	channelsOpen.Dec()

	err := c.sock.Close()

	c.connectMu.Lock()
	c.connectCond.Broadcast()
	c.connectMu.Unlock()

	c.Deregister()
	return err
}

// begin opens the may-block bracket around a blocking operation.
func (c *Channel) begin() {
	c.blockedOps.Add(1)
}

// end closes the may-block bracket. A channel closed while the operation was
// blocked is reported as ErrClosedChannel, the asynchronous-close outcome.
func (c *Channel) end() error {
	c.blockedOps.Add(-1)
	if !c.open.Load() {
		return ErrClosedChannel
	}
	return nil
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel kind=%s socket=%d open=%v pending=%v finished=%v",
		c.kind, c.sock.ID(), c.open.Load(), c.connectionPending.Load(), c.connectFinished.Load())
}
