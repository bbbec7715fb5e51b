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
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/udtchan/pkg/buffer"
	"github.com/srediag/udtchan/pkg/transport"
)

var mockIDs atomic.Uint64

// mockSocket is a scripted transport.Socket: transfer calls pop signed counts
// from per-direction scripts and every interaction is recorded for assertion.
type mockSocket struct {
	mu sync.Mutex
	id uint64

	connected bool
	closed    bool

	connectErr   error
	connectSets  bool
	connectDelay time.Duration
	// connectEntered is closed when Connect is first invoked, so a test can
	// rendezvous with an in-flight blocking connect.
	connectEntered chan struct{}
	enteredOnce    sync.Once

	rejectModes bool

	recvScript []int
	sendScript []int

	receiveCalls      int
	receiveRangeCalls int
	sendCalls         int
	sendRangeCalls    int
	closeCalls        int

	lastPosition int
	lastLimit    int
}

var _ transport.Socket = (*mockSocket)(nil)

func newMockSocket() *mockSocket {
	return &mockSocket{
		id:             mockIDs.Add(1),
		connectEntered: make(chan struct{}),
	}
}

func (m *mockSocket) ID() uint64 { return m.id }

func (m *mockSocket) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockSocket) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *mockSocket) Connect(remote *net.UDPAddr) error {
	m.enteredOnce.Do(func() { close(m.connectEntered) })
	if m.connectDelay > 0 {
		time.Sleep(m.connectDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	if m.connectSets {
		m.connected = true
	}
	return nil
}

func (m *mockSocket) Bind(local *net.UDPAddr) error { return nil }

func (m *mockSocket) ConfigureBlocking(block bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectModes {
		return errors.New("mode rejected")
	}
	return nil
}

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	m.closeCalls++
	return nil
}

func (m *mockSocket) popRecv() int {
	if len(m.recvScript) == 0 {
		return 0
	}
	n := m.recvScript[0]
	m.recvScript = m.recvScript[1:]
	return n
}

func (m *mockSocket) popSend() int {
	if len(m.sendScript) == 0 {
		return 0
	}
	n := m.sendScript[0]
	m.sendScript = m.sendScript[1:]
	return n
}

func (m *mockSocket) Receive(region []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveCalls++
	n := m.popRecv()
	for i := 0; i < n && i < len(region); i++ {
		region[i] = 'r'
	}
	return n, nil
}

func (m *mockSocket) ReceiveRange(array []byte, position, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveRangeCalls++
	m.lastPosition, m.lastLimit = position, limit
	n := m.popRecv()
	for i := 0; i < n && position+i < limit; i++ {
		array[position+i] = 'r'
	}
	return n, nil
}

func (m *mockSocket) Send(region []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	return m.popSend(), nil
}

func (m *mockSocket) SendRange(array []byte, position, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendRangeCalls++
	m.lastPosition, m.lastLimit = position, limit
	return m.popSend(), nil
}

func (m *mockSocket) transferCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiveCalls + m.receiveRangeCalls + m.sendCalls + m.sendRangeCalls
}

// fakeMux is a plain in-memory Multiplexer.
type fakeMux struct {
	mu    sync.Mutex
	chans map[uint64]*Channel
}

func newFakeMux() *fakeMux {
	return &fakeMux{chans: make(map[uint64]*Channel)}
}

func (f *fakeMux) Add(c *Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chans[c.ID()] = c
	return nil
}

func (f *fakeMux) Remove(c *Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chans, c.ID())
}

func (f *fakeMux) Contains(socketID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chans[socketID]
	return ok
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func remoteAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}
}

type ChannelTestSuite struct {
	suite.Suite
}

func (s *ChannelTestSuite) TestOpenDefaults() {
	sock := newMockSocket()
	c := Open(sock)
	defer func() { _ = c.Close() }()

	s.True(c.IsOpen())
	s.True(c.IsBlocking())
	s.False(c.IsConnected())
	s.False(c.IsConnectFinished())
	s.False(c.IsConnectionPending())
	s.Equal(Connector, c.Kind())
	s.Equal(sock.ID(), c.ID())
}

func (s *ChannelTestSuite) TestOpenPreConnected() {
	sock := newMockSocket()
	sock.setConnected(true)
	c := OpenPreConnected(sock, true)
	defer func() { _ = c.Close() }()
	s.True(c.IsConnectFinished())
	s.False(c.IsConnectionPending())

	lagging := OpenPreConnected(newMockSocket(), false)
	defer func() { _ = lagging.Close() }()
	s.False(lagging.IsConnectFinished())
	s.True(lagging.IsConnectionPending())
}

func (s *ChannelTestSuite) TestConnectNilAddressClosesChannel() {
	c := Open(newMockSocket())
	ok, err := c.Connect(nil)
	s.False(ok)
	s.Equal(ErrNilArgument, err)
	s.False(c.IsOpen())
}

func (s *ChannelTestSuite) TestConnectUnresolvedAddressClosesChannel() {
	c := Open(newMockSocket())
	ok, err := c.Connect(&net.UDPAddr{Port: 9000}) // no IP
	s.False(ok)
	s.Equal(ErrUnresolvedAddress, err)
	s.False(c.IsOpen())
}

func (s *ChannelTestSuite) TestConnectIdempotentWhenConnected() {
	sock := newMockSocket()
	sock.setConnected(true)
	c := Open(sock)
	defer func() { _ = c.Close() }()

	ok, err := c.Connect(remoteAddr())
	s.True(ok)
	s.Require().Nil(err)
	s.Equal(0, sock.closeCalls)
}

func (s *ChannelTestSuite) TestBlockingConnectReportsSocketOutcome() {
	sock := newMockSocket()
	sock.connectSets = true
	c := Open(sock)
	defer func() { _ = c.Close() }()

	ok, err := c.Connect(remoteAddr())
	s.Require().Nil(err)
	s.True(ok)
	s.False(c.IsConnectionPending())

	done, err := c.FinishConnect()
	s.Require().Nil(err)
	s.True(done)
	s.True(c.IsConnectFinished())
}

func (s *ChannelTestSuite) TestBlockingConnectFailure() {
	sock := newMockSocket()
	sock.connectErr = transport.ErrConnectRefused
	c := Open(sock)
	defer func() { _ = c.Close() }()

	ok, err := c.Connect(remoteAddr())
	s.False(ok)
	s.Equal(transport.ErrConnectRefused, err)
	s.False(c.IsConnectionPending())
}

func (s *ChannelTestSuite) TestNonBlockingConnectRequiresRegistration() {
	sock := newMockSocket()
	c := Open(sock)
	defer func() { _ = c.Close() }()
	s.Require().Nil(c.ConfigureBlocking(false))

	ok, err := c.Connect(remoteAddr())
	s.False(ok)
	s.Equal(ErrIllegalBlockingMode, err)
	// The refusal leaves the channel untouched.
	s.True(c.IsOpen())
	s.False(c.IsConnectionPending())
	s.False(c.IsConnectFinished())
}

func (s *ChannelTestSuite) TestNonBlockingConnectStartsPending() {
	sock := newMockSocket()
	c := Open(sock)
	defer func() { _ = c.Close() }()
	mux := newFakeMux()
	s.Require().Nil(c.Register(mux))
	s.Require().Nil(c.ConfigureBlocking(false))

	ok, err := c.Connect(remoteAddr())
	s.Require().Nil(err)
	s.False(ok)
	s.True(c.IsConnectionPending())
	s.False(c.IsConnectFinished())

	// Completion is observed by FinishConnect once the transport reports
	// the handshake done.
	sock.setConnected(true)
	done, err := c.FinishConnect()
	s.Require().Nil(err)
	s.True(done)
	s.True(c.IsConnectFinished())
	s.False(c.IsConnectionPending())
}

func (s *ChannelTestSuite) TestFinishConnectBeforeHandshakeDone() {
	sock := newMockSocket()
	c := Open(sock)
	defer func() { _ = c.Close() }()
	mux := newFakeMux()
	s.Require().Nil(c.Register(mux))
	s.Require().Nil(c.ConfigureBlocking(false))

	_, err := c.Connect(remoteAddr())
	s.Require().Nil(err)

	done, err := c.FinishConnect()
	s.False(done)
	s.Equal(ErrConnectFailed, err)
}

func (s *ChannelTestSuite) TestSecondNonBlockingConnectIsRefused() {
	sock := newMockSocket()
	c := Open(sock)
	mux := newFakeMux()
	s.Require().Nil(c.Register(mux))
	s.Require().Nil(c.ConfigureBlocking(false))

	ok, err := c.Connect(remoteAddr())
	s.Require().Nil(err)
	s.False(ok)

	ok, err = c.Connect(remoteAddr())
	s.False(ok)
	s.Equal(ErrConnectionPending, err)
	s.False(c.IsOpen())
}

func (s *ChannelTestSuite) TestRacingNonBlockingConnects() {
	sock := newMockSocket()
	sock.connectDelay = 20 * time.Millisecond
	c := Open(sock)
	mux := newFakeMux()
	s.Require().Nil(c.Register(mux))
	s.Require().Nil(c.ConfigureBlocking(false))

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Connect(remoteAddr())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var pendingErrs, started int
	for err := range errs {
		switch err {
		case nil:
			started++
		case ErrConnectionPending:
			pendingErrs++
		default:
			s.FailNowf("unexpected connect error", "%v", err)
		}
	}
	s.Equal(1, started)
	s.Equal(1, pendingErrs)
	s.False(c.IsOpen())
}

func (s *ChannelTestSuite) TestFinishConnectJoinsBlockingConnect() {
	sock := newMockSocket()
	sock.connectSets = true
	sock.connectDelay = 100 * time.Millisecond
	c := Open(sock)
	defer func() { _ = c.Close() }()

	connectDone := make(chan struct{})
	go func() {
		defer close(connectDone)
		ok, err := c.Connect(remoteAddr())
		if err != nil || !ok {
			panic("blocking connect failed")
		}
	}()

	<-sock.connectEntered
	done, err := c.FinishConnect()
	s.Require().Nil(err)
	s.True(done)
	s.True(c.IsConnectFinished())
	<-connectDone
}

func (s *ChannelTestSuite) TestReadZeroRemainingSkipsSocket() {
	sock := newMockSocket()
	c := Open(sock)
	defer func() { _ = c.Close() }()

	buf := buffer.NewHeap(8)
	defer buf.Free()
	s.Require().Nil(buf.SetLimit(0))

	n, err := c.Read(buf)
	s.Require().Nil(err)
	s.Equal(0, n)
	s.Equal(0, sock.transferCalls())

	n2, err := c.Write(buf)
	s.Require().Nil(err)
	s.Equal(0, n2)
	s.Equal(0, sock.transferCalls())
}

func (s *ChannelTestSuite) TestNilBufferArgument() {
	c := Open(newMockSocket())
	defer func() { _ = c.Close() }()
	_, err := c.Read(nil)
	s.Equal(ErrNilArgument, err)
	_, err = c.Write(nil)
	s.Equal(ErrNilArgument, err)
}

func (s *ChannelTestSuite) TestWriteConsumesBuffer() {
	sock := newMockSocket()
	sock.sendScript = []int{10}
	c := Open(sock)
	defer func() { _ = c.Close() }()

	buf := buffer.NewHeap(16)
	defer buf.Free()
	s.Require().Nil(buf.PutBytes([]byte("0123456789")))
	buf.Flip()

	n, err := c.Write(buf)
	s.Require().Nil(err)
	s.Equal(10, n)
	s.Equal(0, buf.Remaining())
	s.Equal(1, sock.sendRangeCalls)
	s.Equal(0, sock.sendCalls)
	s.Equal(0, sock.lastPosition)
	s.Equal(10, sock.lastLimit)
}

func (s *ChannelTestSuite) TestPartialWriteAdvancesCursor() {
	sock := newMockSocket()
	sock.sendScript = []int{4, 6}
	c := Open(sock)
	defer func() { _ = c.Close() }()

	buf := buffer.NewHeap(16)
	defer buf.Free()
	s.Require().Nil(buf.PutBytes([]byte("0123456789")))
	buf.Flip()

	n, err := c.Write(buf)
	s.Require().Nil(err)
	s.Equal(4, n)
	s.Equal(4, buf.Position())
	s.Equal(6, buf.Remaining())

	n, err = c.Write(buf)
	s.Require().Nil(err)
	s.Equal(6, n)
	s.Equal(0, buf.Remaining())
	s.Equal(4, sock.lastPosition)
	s.Equal(10, sock.lastLimit)
}

func (s *ChannelTestSuite) TestDirectBufferUsesRegionTransfer() {
	sock := newMockSocket()
	sock.recvScript = []int{4}
	sock.sendScript = []int{2}
	c := Open(sock)
	defer func() { _ = c.Close() }()

	buf := buffer.NewDirect(8)
	n, err := c.Read(buf)
	s.Require().Nil(err)
	s.Equal(4, n)
	s.Equal(4, buf.Position())
	s.Equal(1, sock.receiveCalls)
	s.Equal(0, sock.receiveRangeCalls)

	buf.Flip()
	n, err = c.Write(buf)
	s.Require().Nil(err)
	s.Equal(2, n)
	s.Equal(1, sock.sendCalls)
	s.Equal(0, sock.sendRangeCalls)
}

func (s *ChannelTestSuite) TestReadTimeoutIsZeroNotEOS() {
	sock := newMockSocket()
	sock.recvScript = []int{0}
	c := Open(sock)
	defer func() { _ = c.Close() }()

	buf := buffer.NewHeap(8)
	defer buf.Free()
	n, err := c.Read(buf)
	s.Require().Nil(err)
	s.Equal(0, n)
	s.Equal(0, buf.Position())
}

func (s *ChannelTestSuite) TestNothingAvailableNormalizesToZero() {
	sock := newMockSocket()
	sock.recvScript = []int{-1}
	sock.sendScript = []int{-1}
	c := Open(sock)
	defer func() { _ = c.Close() }()

	buf := buffer.NewHeap(8)
	defer buf.Free()
	n, err := c.Read(buf)
	s.Require().Nil(err)
	s.Equal(0, n)
	s.Equal(0, buf.Position())

	s.Require().Nil(buf.SetLimit(4))
	n, err = c.Write(buf)
	s.Require().Nil(err)
	s.Equal(0, n)
	s.Equal(0, buf.Position())
}

func (s *ChannelTestSuite) TestOverCountIsClampedAndCounted() {
	sock := newMockSocket()
	sock.recvScript = []int{9999}
	c := Open(sock)
	defer func() { _ = c.Close() }()

	before := counterValue(overCountClamps)

	buf := buffer.NewHeap(8)
	defer buf.Free()
	n, err := c.Read(buf)
	s.Require().Nil(err)
	s.Equal(0, n)
	s.Equal(0, buf.Position())
	s.Equal(before+1, counterValue(overCountClamps))
}

func (s *ChannelTestSuite) TestVectorTransfersUnsupported() {
	c := Open(newMockSocket())
	defer func() { _ = c.Close() }()
	bufs := []*buffer.Buffer{buffer.NewDirect(4)}
	_, err := c.ReadVector(bufs)
	s.Equal(ErrUnsupportedOperation, err)
	_, err = c.WriteVector(bufs)
	s.Equal(ErrUnsupportedOperation, err)
}

func (s *ChannelTestSuite) TestOperationsOnClosedChannel() {
	c := Open(newMockSocket())
	s.Require().Nil(c.Close())

	buf := buffer.NewHeap(8)
	defer buf.Free()
	_, err := c.Read(buf)
	s.Equal(ErrClosedChannel, err)
	_, err = c.Write(buf)
	s.Equal(ErrClosedChannel, err)
	_, err = c.Connect(remoteAddr())
	s.Equal(ErrClosedChannel, err)
	_, err = c.FinishConnect()
	s.Equal(ErrClosedChannel, err)
	s.Equal(ErrClosedChannel, c.ConfigureBlocking(false))
	_, err = c.Bind(remoteAddr())
	s.Equal(ErrClosedChannel, err)
}

func (s *ChannelTestSuite) TestRejectedModeLeavesMirrorUnchanged() {
	sock := newMockSocket()
	sock.rejectModes = true
	c := Open(sock)
	defer func() { _ = c.Close() }()

	s.Require().NotNil(c.ConfigureBlocking(false))
	s.True(c.IsBlocking())
}

func (s *ChannelTestSuite) TestCloseIsIdempotentAndDeregisters() {
	sock := newMockSocket()
	c := Open(sock)
	mux := newFakeMux()
	s.Require().Nil(c.Register(mux))
	s.True(c.IsRegistered())
	s.True(mux.Contains(c.ID()))

	s.Require().Nil(c.Close())
	s.Require().Nil(c.Close())
	s.Equal(1, sock.closeCalls)
	s.False(c.IsOpen())
	s.False(c.IsRegistered())
	s.False(mux.Contains(c.ID()))
}

func (s *ChannelTestSuite) TestCloseWakesFinishConnectWaiter() {
	sock := newMockSocket()
	sock.connectDelay = 50 * time.Millisecond
	c := Open(sock)

	go func() {
		_, _ = c.Connect(remoteAddr())
	}()
	<-sock.connectEntered

	waitErr := make(chan error, 1)
	go func() {
		_, err := c.FinishConnect()
		waitErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Require().Nil(c.Close())

	select {
	case err := <-waitErr:
		// Either the waiter saw the close mid-wait or it observed the
		// already finished, unconnected handshake.
		s.Require().NotNil(err)
		s.True(errors.Is(err, ErrClosedChannel) || errors.Is(err, ErrConnectFailed))
	case <-time.After(2 * time.Second):
		s.FailNow("finishConnect waiter was not woken by close")
	}
}

func (s *ChannelTestSuite) TestBindReturnsChannelForChaining() {
	sock := newMockSocket()
	c := Open(sock)
	defer func() { _ = c.Close() }()

	got, err := c.Bind(&net.UDPAddr{IP: net.IPv4zero, Port: 0})
	s.Require().Nil(err)
	s.Same(c, got)

	_, err = c.Bind(nil)
	s.Equal(ErrNilArgument, err)
}

func (s *ChannelTestSuite) TestStringCarriesState() {
	c := Open(newMockSocket())
	defer func() { _ = c.Close() }()
	s.Contains(c.String(), "connector")
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}
