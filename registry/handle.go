// Copyright 2022 The cruisecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/alwitt/cruisecast/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Mode is the kind of stream a Handle serves
type Mode string

const (
	// ModeStatus reservation status stream proxied from the booking service
	ModeStatus Mode = "status"
	// ModePromotion promotion stream fed by the broadcast scheduler
	ModePromotion Mode = "promotion"
	// ModeRelay promotion stream relayed from an upstream per subscriber
	ModeRelay Mode = "relay"
)

// Handle is the active connection of one subscriber key.
//
// The handle owns the session context: closing the handle cancels it, which in turn
// cancels any upstream request bound to it. Events are queued in arrival order and
// consumed by the session task writing to the downstream sink.
type Handle struct {
	common.Component
	// ID is the handle ID
	ID string
	// Key is the subscriber key
	Key string
	// Mode is the stream mode
	Mode Mode

	ctxt   context.Context
	cancel context.CancelFunc
	inbox  chan common.StreamEvent
	closed int32
	reason atomic.Value
}

// NewHandle define a new connection handle. The handle context is derived from the
// parent, so the handle also closes when the parent ends.
func NewHandle(parent context.Context, key string, mode Mode, inboxSize int) (*Handle, error) {
	if err := common.ValidateSubscriberKey(key); err != nil {
		return nil, err
	}
	if inboxSize < 1 {
		return nil, fmt.Errorf("inbox size must be positive: %d", inboxSize)
	}
	id := uuid.NewString()
	logTags := log.Fields{
		"module":    "registry",
		"component": "connection-handle",
		"instance":  id,
		"key":       key,
		"mode":      mode,
	}
	ctxt, cancel := context.WithCancel(parent)
	return &Handle{
		Component: common.Component{LogTags: logTags},
		ID:        id,
		Key:       key,
		Mode:      mode,
		ctxt:      ctxt,
		cancel:    cancel,
		inbox:     make(chan common.StreamEvent, inboxSize),
	}, nil
}

// Context the session context. Done once the handle is closed.
func (h *Handle) Context() context.Context {
	return h.ctxt
}

// Done closed once the handle is closed
func (h *Handle) Done() <-chan struct{} {
	return h.ctxt.Done()
}

// Events the ordered event queue of this handle
func (h *Handle) Events() <-chan common.StreamEvent {
	return h.inbox
}

// Closed whether the handle is closed
func (h *Handle) Closed() bool {
	return atomic.LoadInt32(&h.closed) == 1 || h.ctxt.Err() != nil
}

// CloseReason why the handle was closed
func (h *Handle) CloseReason() string {
	if v, ok := h.reason.Load().(string); ok {
		return v
	}
	if h.ctxt.Err() != nil {
		return "context ended"
	}
	return ""
}

// Close close the handle. No further events are accepted, and the session context is
// cancelled. Returns true on the first call only.
func (h *Handle) Close(reason string) bool {
	if !atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		return false
	}
	h.reason.Store(reason)
	h.cancel()
	log.WithFields(h.LogTags).Debugf("Closed: %s", reason)
	return true
}

// Deliver queue an event, waiting for room in the queue. This is the delivery path of
// the upstream proxy, so a slow subscriber slows the upstream read loop.
func (h *Handle) Deliver(ctxt context.Context, event common.StreamEvent) error {
	if h.Closed() {
		return common.ErrSinkClosed
	}
	select {
	case h.inbox <- event:
		return nil
	case <-h.ctxt.Done():
		return common.ErrSinkClosed
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// TryDeliver queue an event without waiting. Returns false if the queue is full.
func (h *Handle) TryDeliver(event common.StreamEvent) (bool, error) {
	if h.Closed() {
		return false, common.ErrSinkClosed
	}
	select {
	case h.inbox <- event:
		return true, nil
	default:
		return false, nil
	}
}

// String toString function
func (h *Handle) String() string {
	return fmt.Sprintf("%s:%s[%s]", h.Mode, h.Key, h.ID)
}
