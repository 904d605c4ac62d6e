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

package dataplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/registry"
	"github.com/apex/log"
)

// SessionParams per session behavior
type SessionParams struct {
	// KeepAlive is the idle keep-alive interval. 0 disables keep-alives.
	KeepAlive time.Duration
	// WatchDuration is the max session duration. 0 means unbounded.
	WatchDuration time.Duration
	// Machine tracks the reservation status, when the session carries status updates
	Machine *ReservationStatusMachine
}

// StreamSession the task moving events from one connection handle to its sink
type StreamSession struct {
	common.Component
	handle   *registry.Handle
	sink     EventSink
	registry registry.ConnectionRegistry
	upstream *ProxySession
	params   SessionParams
	metrics  *common.Metrics
}

// NewStreamSession define a new session. upstream is nil for sessions fed by the
// broadcast scheduler.
func NewStreamSession(
	handle *registry.Handle,
	sink EventSink,
	connections registry.ConnectionRegistry,
	upstream *ProxySession,
	params SessionParams,
	metrics *common.Metrics,
) *StreamSession {
	logTags := log.Fields{}
	for k, v := range handle.LogTags {
		logTags[k] = v
	}
	logTags["module"] = "dataplane"
	logTags["component"] = "stream-session"
	return &StreamSession{
		Component: common.Component{LogTags: logTags},
		handle:    handle,
		sink:      sink,
		registry:  connections,
		upstream:  upstream,
		params:    params,
		metrics:   metrics,
	}
}

// write write one frame to the sink
func (s *StreamSession) write(event common.StreamEvent) error {
	if err := s.sink.Write(event); err != nil {
		return err
	}
	s.metrics.FrameSent(event.Kind)
	log.WithFields(s.LogTags).Debugf("Sent %s", event)
	return nil
}

// deliver write one event, applying the status machine. Returns whether the session
// is complete.
func (s *StreamSession) deliver(event common.StreamEvent) (bool, error) {
	if s.handle.Closed() {
		s.metrics.FrameDropped("handle-closed")
		return true, nil
	}
	if s.params.Machine == nil || event.Kind != common.EventKindStatusUpdate {
		return false, s.write(event)
	}
	var update common.ReservationStatusPayload
	if err := json.Unmarshal(event.Data, &update); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Dropping undecodable %s", event)
		s.metrics.FrameDropped("malformed")
		return false, nil
	}
	state, changed := s.params.Machine.Apply(update)
	if !changed {
		s.metrics.FrameDropped("after-terminal")
		return true, nil
	}
	if err := s.write(event); err != nil {
		return true, err
	}
	if state.Terminal() {
		log.WithFields(s.LogTags).Infof("Reservation reached %s", state)
		return true, nil
	}
	return false, nil
}

// drain deliver the events already queued. Returns whether the session is complete.
func (s *StreamSession) drain() (bool, error) {
	for {
		select {
		case event := <-s.handle.Events():
			if complete, err := s.deliver(event); complete || err != nil {
				return true, err
			}
		default:
			return false, nil
		}
	}
}

// completionReason why deliver reported the session complete
func (s *StreamSession) completionReason() string {
	if s.handle.Closed() {
		return s.handle.CloseReason()
	}
	return "final status delivered"
}

// Run commit the stream preamble and forward events until the session ends.
//
// The session ends when the process stops, the handle closes (eviction or subscriber
// disconnect), the sink reports the subscriber left, the watch duration elapses, a
// terminal status is delivered, or the upstream ends. On exit the handle is closed,
// which cancels any upstream request, and the registry entry of this handle is removed.
func (s *StreamSession) Run(rootCtxt context.Context) error {
	reason := "session ended"
	s.metrics.SessionOpened(string(s.handle.Mode))
	defer func() {
		s.handle.Close(reason)
		s.registry.Release(s.handle.Key, s.handle)
		if err := s.sink.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Sink close failed")
		}
		s.metrics.SessionClosed(string(s.handle.Mode))
		log.WithFields(s.LogTags).Infof("Session closed: %s", reason)
	}()

	if err := s.sink.Open(); err != nil {
		reason = "sink open failed"
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open stream")
		return err
	}
	handshake, err := common.NewStreamEvent(
		common.EventKindControl, common.ControlMessage{Message: common.ConnectionEstablishedMsg},
	)
	if err != nil {
		reason = "handshake failed"
		return err
	}
	if err := s.write(handshake); err != nil {
		reason = "subscriber left"
		return err
	}

	var watchdog <-chan time.Time
	if s.params.WatchDuration > 0 {
		timer := time.NewTimer(s.params.WatchDuration)
		defer timer.Stop()
		watchdog = timer.C
	}
	var keepAlive <-chan time.Time
	if s.params.KeepAlive > 0 {
		ticker := time.NewTicker(s.params.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}
	var upstreamDone <-chan struct{}
	if s.upstream != nil {
		upstreamDone = s.upstream.Done()
	}

	for {
		select {
		case <-rootCtxt.Done():
			reason = "server stopping"
			return nil

		case <-s.handle.Done():
			reason = s.handle.CloseReason()
			return nil

		case <-s.sink.Gone():
			reason = "subscriber left"
			return nil

		case <-watchdog:
			reason = "watch duration elapsed"
			if s.params.Machine != nil && !s.params.Machine.Timeout() {
				return nil
			}
			timeout, err := common.NewStreamEvent(
				common.EventKindControl, common.ControlMessage{State: string(StateTimeout)},
			)
			if err != nil {
				return err
			}
			return s.write(timeout)

		case event := <-s.handle.Events():
			complete, err := s.deliver(event)
			if err != nil {
				reason = "subscriber left"
				return err
			}
			if complete {
				reason = s.completionReason()
				return nil
			}

		case <-upstreamDone:
			if complete, err := s.drain(); err != nil {
				reason = "subscriber left"
				return err
			} else if complete {
				reason = s.completionReason()
				return nil
			}
			if err := s.upstream.Err(); err != nil {
				reason = "upstream failed"
				return err
			}
			reason = "upstream ended"
			return nil

		case <-keepAlive:
			if err := s.sink.KeepAlive(); err != nil {
				reason = "subscriber left"
				return err
			}
		}
	}
}
