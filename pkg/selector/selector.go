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

// Package selector provides the readiness multiplexer channels register
// with. Registration is tracked in a concurrent map keyed by socket ID;
// readiness is sampled from the sockets' Pollable hooks, flows through a
// ready queue and is dispatched to the caller's handler on a worker pool.
package selector

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/udtchan/internal/logutil"
	"github.com/srediag/udtchan/pkg/channel"
	"github.com/srediag/udtchan/pkg/transport"
)

var internalLogger = logutil.New("selector", nil)

// ErrSelectorClosed is returned by operations on a closed selector.
var ErrSelectorClosed = errors.New("selector: selector is closed")

const (
	defaultPollInterval = time.Millisecond
	defaultWorkers      = 8
	readyQueueHint      = 128
)

// Event is one readiness notification for a registered channel.
type Event struct {
	Channel  *channel.Channel
	Readable bool
	Writable bool
}

// Handler consumes readiness events. Handlers run on the selector's worker
// pool and must not block indefinitely.
type Handler func(Event)

// Config tunes a selector.
type Config struct {
	// PollInterval is the readiness sampling period. Default 1ms.
	PollInterval time.Duration
	// Workers is the dispatch pool size. Default 8.
	Workers int
}

// Selector tracks channel registrations and notifies readiness.
type Selector struct {
	channels cmap.ConcurrentMap[string, *channel.Channel]
	ready    *queue.Queue
	pool     *ants.Pool

	pollInterval time.Duration

	mu      sync.Mutex
	closed  bool
	serving bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a selector. A nil config selects the defaults.
func New(cfg *Config) (*Selector, error) {
	pollInterval := defaultPollInterval
	workers := defaultWorkers
	if cfg != nil {
		if cfg.PollInterval > 0 {
			pollInterval = cfg.PollInterval
		}
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &Selector{
		channels:     cmap.New[*channel.Channel](),
		ready:        queue.New(readyQueueHint),
		pool:         pool,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}, nil
}

func key(socketID uint64) string {
	return strconv.FormatUint(socketID, 10)
}

// Add implements channel.Multiplexer.
func (s *Selector) Add(c *channel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSelectorClosed
	}
	s.channels.Set(key(c.ID()), c)
	internalLogger.Debugf("registered channel; socket=%d kind=%s", c.ID(), c.Kind())
	return nil
}

// Remove implements channel.Multiplexer.
func (s *Selector) Remove(c *channel.Channel) {
	s.channels.Remove(key(c.ID()))
}

// Contains implements channel.Multiplexer.
func (s *Selector) Contains(socketID uint64) bool {
	return s.channels.Has(key(socketID))
}

// Len returns the number of registered channels.
func (s *Selector) Len() int {
	return s.channels.Count()
}

// Serve starts the poll and dispatch loops, delivering readiness events to
// handler until Close. It returns immediately.
func (s *Selector) Serve(handler Handler) error {
	if handler == nil {
		return channel.ErrNilArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSelectorClosed
	}
	if s.serving {
		return nil
	}
	s.serving = true

	s.wg.Add(2)
	go s.pollLoop()
	go s.dispatchLoop(handler)
	return nil
}

func (s *Selector) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		for item := range s.channels.IterBuffered() {
			c := item.Val
			if !c.IsOpen() {
				s.channels.Remove(item.Key)
				continue
			}
			p, ok := c.Socket().(transport.Pollable)
			if !ok {
				continue
			}
			readable, writable := p.Readable(), p.Writable()
			if !readable && !writable {
				continue
			}
			if err := s.ready.Put(Event{Channel: c, Readable: readable, Writable: writable}); err != nil {
				return // queue disposed by Close
			}
		}
	}
}

func (s *Selector) dispatchLoop(handler Handler) {
	defer s.wg.Done()
	for {
		items, err := s.ready.Get(1)
		if err != nil {
			return // queue disposed by Close
		}
		for _, item := range items {
			ev := item.(Event)
			if err := s.pool.Submit(func() { handler(ev) }); err != nil {
				internalLogger.Warnf("dispatch rejected: %v", err)
			}
		}
	}
}

// Close deregisters every channel and stops the loops. The channels
// themselves stay open.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	serving := s.serving
	s.mu.Unlock()

	close(s.stopCh)
	s.ready.Dispose()
	if serving {
		s.wg.Wait()
	}
	s.pool.Release()
	s.channels.Clear()
	return nil
}
