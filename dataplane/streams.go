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
	"fmt"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/registry"
	"github.com/apex/log"
)

// StatusKeyPrefix registry key namespace of reservation status streams
const StatusKeyPrefix = "reservation:"

// StatusStreamKey registry key of the status stream of a reservation
func StatusStreamKey(reservationID string) string {
	return StatusKeyPrefix + reservationID
}

// StreamManagerParams stream behavior parameters
type StreamManagerParams struct {
	// InboxSize is the per stream event queue size
	InboxSize int
	// KeepAlive is the idle keep-alive interval
	KeepAlive time.Duration
	// WatchDuration is the max duration of a reservation status stream
	WatchDuration time.Duration
}

// StreamManager serves downstream streams
type StreamManager interface {
	// ServeStatus stream the status of a reservation into the sink until a final
	// status, the watch duration, or disconnect. Fails with ErrConnect, before the
	// sink is opened, if the booking service stream can not be established.
	ServeStatus(ctxt context.Context, reservationID string, sink EventSink) error
	// ServePromotions stream promotions for a subscriber key into the sink until
	// disconnect or eviction
	ServePromotions(ctxt context.Context, key string, sink EventSink) error
}

// streamManagerImpl implements StreamManager
type streamManagerImpl struct {
	common.Component
	rootCtxt    context.Context
	connections registry.ConnectionRegistry
	statusProxy UpstreamStreamProxy
	relayProxy  UpstreamStreamProxy
	scheduler   BroadcastScheduler
	params      StreamManagerParams
	metrics     *common.Metrics
}

// GetStreamManager define a new StreamManager. With relayProxy set, promotion streams
// are relayed from the upstream per subscriber; otherwise they are fed by the
// scheduler.
func GetStreamManager(
	rootCtxt context.Context,
	instance string,
	connections registry.ConnectionRegistry,
	statusProxy UpstreamStreamProxy,
	relayProxy UpstreamStreamProxy,
	scheduler BroadcastScheduler,
	params StreamManagerParams,
	metrics *common.Metrics,
) (StreamManager, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "stream-manager", "instance": instance,
	}
	if params.InboxSize < 1 {
		return nil, fmt.Errorf("inbox size must be positive: %d", params.InboxSize)
	}
	if relayProxy == nil && scheduler == nil {
		return nil, fmt.Errorf("promotion streams need either a relay upstream or a scheduler")
	}
	return &streamManagerImpl{
		Component:   common.Component{LogTags: logTags},
		rootCtxt:    rootCtxt,
		connections: connections,
		statusProxy: statusProxy,
		relayProxy:  relayProxy,
		scheduler:   scheduler,
		params:      params,
		metrics:     metrics,
	}, nil
}

// register define and register the handle of a new stream, evicting the previous one
func (m *streamManagerImpl) register(
	ctxt context.Context, key string, mode registry.Mode,
) (*registry.Handle, error) {
	handle, err := registry.NewHandle(ctxt, key, mode, m.params.InboxSize)
	if err != nil {
		return nil, err
	}
	if _, err := m.connections.Register(key, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// abandon drop a handle whose stream never started
func (m *streamManagerImpl) abandon(handle *registry.Handle, reason string) {
	handle.Close(reason)
	m.connections.Release(handle.Key, handle)
}

// ServeStatus stream the status of a reservation
func (m *streamManagerImpl) ServeStatus(
	ctxt context.Context, reservationID string, sink EventSink,
) error {
	logTags := m.GetLogTagsForContext(ctxt)
	if err := common.ValidateSubscriberKey(reservationID); err != nil {
		return err
	}
	if m.statusProxy == nil {
		return fmt.Errorf("%w: no booking service configured", common.ErrConnect)
	}
	handle, err := m.register(ctxt, StatusStreamKey(reservationID), registry.ModeStatus)
	if err != nil {
		return err
	}
	upstream, err := m.statusProxy.Open(ctxt, reservationID, handle)
	if err != nil {
		m.abandon(handle, "upstream connect failed")
		return err
	}
	log.WithFields(logTags).Infof("Watching reservation %s as %s", reservationID, handle)
	session := NewStreamSession(handle, sink, m.connections, upstream, SessionParams{
		KeepAlive:     m.params.KeepAlive,
		WatchDuration: m.params.WatchDuration,
		Machine:       NewReservationStatusMachine(),
	}, m.metrics)
	return session.Run(m.rootCtxt)
}

// ServePromotions stream promotions for a subscriber key
func (m *streamManagerImpl) ServePromotions(ctxt context.Context, key string, sink EventSink) error {
	logTags := m.GetLogTagsForContext(ctxt)
	if err := common.ValidateSubscriberKey(key); err != nil {
		return err
	}
	params := SessionParams{KeepAlive: m.params.KeepAlive}

	if m.relayProxy != nil {
		handle, err := m.register(ctxt, key, registry.ModeRelay)
		if err != nil {
			return err
		}
		upstream, err := m.relayProxy.Open(ctxt, key, handle)
		if err != nil {
			m.abandon(handle, "upstream connect failed")
			return err
		}
		log.WithFields(logTags).Infof("Relaying promotions to %s", handle)
		return NewStreamSession(handle, sink, m.connections, upstream, params, m.metrics).
			Run(m.rootCtxt)
	}

	handle, err := m.register(ctxt, key, registry.ModePromotion)
	if err != nil {
		return err
	}
	if pushed, err := m.scheduler.PushInitial(handle); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Initial promotion for %s failed", handle)
	} else if pushed {
		log.WithFields(logTags).Debugf("Queued initial promotion for %s", handle)
	}
	log.WithFields(logTags).Infof("Broadcasting promotions to %s", handle)
	return NewStreamSession(handle, sink, m.connections, nil, params, m.metrics).Run(m.rootCtxt)
}
