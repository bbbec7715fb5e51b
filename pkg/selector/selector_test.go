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

package selector

import (
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/udtchan/pkg/buffer"
	"github.com/srediag/udtchan/pkg/channel"
	"github.com/srediag/udtchan/pkg/transport"
)

type SelectorTestSuite struct {
	suite.Suite
}

func loopbackAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: 50000 + rand.Intn(10000),
	}
}

func (s *SelectorTestSuite) TestRegistrationLifecycle() {
	sel, err := New(nil)
	s.Require().Nil(err)
	defer func() { _ = sel.Close() }()

	a, b := transport.NewMemPair()
	ca, cb := channel.Open(a), channel.Open(b)
	defer func() { _ = ca.Close() }()
	defer func() { _ = cb.Close() }()

	s.Require().Nil(ca.Register(sel))
	s.Require().Nil(cb.Register(sel))
	s.Equal(2, sel.Len())
	s.True(sel.Contains(ca.ID()))
	s.True(sel.Contains(cb.ID()))

	cb.Deregister()
	s.Equal(1, sel.Len())
	s.False(sel.Contains(cb.ID()))
}

func (s *SelectorTestSuite) TestRegistrationGatesNonBlockingConnect() {
	sel, err := New(nil)
	s.Require().Nil(err)
	defer func() { _ = sel.Close() }()

	addr := loopbackAddr()
	ln, err := transport.MemListen(addr)
	s.Require().Nil(err)
	defer func() { _ = ln.Close() }()

	c := channel.Open(transport.NewMemSocket())
	defer func() { _ = c.Close() }()
	s.Require().Nil(c.ConfigureBlocking(false))

	_, err = c.Connect(addr)
	s.Equal(channel.ErrIllegalBlockingMode, err)

	s.Require().Nil(c.Register(sel))
	ok, err := c.Connect(addr)
	s.Require().Nil(err)
	s.False(ok)
	s.True(c.IsConnectionPending())

	_, err = ln.Accept()
	s.Require().Nil(err)
	done, err := c.FinishConnect()
	s.Require().Nil(err)
	s.True(done)
}

func (s *SelectorTestSuite) TestServeDeliversReadinessEvents() {
	sel, err := New(&Config{PollInterval: 500 * time.Microsecond, Workers: 2})
	s.Require().Nil(err)
	defer func() { _ = sel.Close() }()

	a, b := transport.NewMemPair()
	ca, cb := channel.Open(a), channel.Open(b)
	defer func() { _ = ca.Close() }()
	defer func() { _ = cb.Close() }()
	s.Require().Nil(cb.Register(sel))

	readable := make(chan Event, 16)
	s.Require().Nil(sel.Serve(func(ev Event) {
		if ev.Readable {
			select {
			case readable <- ev:
			default:
			}
		}
	}))

	out := buffer.NewHeap(8)
	defer out.Free()
	s.Require().Nil(out.PutBytes([]byte("ping")))
	out.Flip()
	n, err := ca.Write(out)
	s.Require().Nil(err)
	s.Equal(4, n)

	select {
	case ev := <-readable:
		s.Same(cb, ev.Channel)
	case <-time.After(2 * time.Second):
		s.FailNow("no readiness event delivered")
	}
}

func (s *SelectorTestSuite) TestServeRejectsNilHandler() {
	sel, err := New(nil)
	s.Require().Nil(err)
	defer func() { _ = sel.Close() }()
	s.Equal(channel.ErrNilArgument, sel.Serve(nil))
}

func (s *SelectorTestSuite) TestClosedChannelIsDropped() {
	sel, err := New(&Config{PollInterval: 500 * time.Microsecond})
	s.Require().Nil(err)
	defer func() { _ = sel.Close() }()

	a, b := transport.NewMemPair()
	ca := channel.Open(a)
	defer func() { _ = b.Close() }()
	// Add directly, without Register, so closing the channel does not
	// deregister it; the poll loop has to reap it.
	s.Require().Nil(sel.Add(ca))
	s.Require().Nil(sel.Serve(func(Event) {}))

	s.Require().Nil(ca.Close())
	deadline := time.Now().Add(2 * time.Second)
	for sel.Contains(ca.ID()) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.False(sel.Contains(ca.ID()))
}

func (s *SelectorTestSuite) TestCloseIsTerminal() {
	sel, err := New(nil)
	s.Require().Nil(err)

	a, b := transport.NewMemPair()
	ca := channel.Open(a)
	defer func() { _ = ca.Close() }()
	defer func() { _ = b.Close() }()
	s.Require().Nil(ca.Register(sel))

	s.Require().Nil(sel.Close())
	s.Require().Nil(sel.Close())
	s.Equal(0, sel.Len())
	s.Equal(ErrSelectorClosed, sel.Add(ca))
	s.Equal(ErrSelectorClosed, sel.Serve(func(Event) {}))
}

func TestSelectorTestSuite(t *testing.T) {
	suite.Run(t, new(SelectorTestSuite))
}
