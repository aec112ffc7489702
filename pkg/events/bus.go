/*
Copyright The Crucible Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package events is the in-process completion bus. The orchestrator is
// the only publisher, so subscribers observe events for a session in the
// order the server completed them.
package events

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// ExecutionCompleted is published once per orchestrated execution,
// successful or not.
type ExecutionCompleted struct {
	SessionID  string
	Lang       string
	Provenance string
	ExitCode   int
	// ErrorKind is empty on success, else the api error kind string.
	ErrorKind  string
	Duration   time.Duration
	FinishedAt time.Time
}

// Bus fans ExecutionCompleted events out to subscribers. A slow
// subscriber never blocks publication; its events are dropped instead.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan ExecutionCompleted
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan ExecutionCompleted)}
}

// Subscribe registers a subscriber with the given channel buffer and
// returns the receiving channel plus a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan ExecutionCompleted, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ExecutionCompleted, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev ExecutionCompleted) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			klog.V(2).Infof("events: subscriber %d full, dropping event for session %s", id, ev.SessionID)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
