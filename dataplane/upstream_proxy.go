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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/core"
	"github.com/alwitt/cruisecast/registry"
	"github.com/apex/log"
)

// maxUpstreamFrame largest upstream frame accepted
const maxUpstreamFrame = 1024 * 1024

// FrameDecoder converts one normalized upstream frame into a StreamEvent
type FrameDecoder func(frame []byte) (common.StreamEvent, error)

// DecodeStatusFrame decode a reservation status frame into the canonical schema
func DecodeStatusFrame(frame []byte) (common.StreamEvent, error) {
	payload, err := common.DecodeReservationStatus(frame)
	if err != nil {
		return common.StreamEvent{}, err
	}
	return common.NewStreamEvent(common.EventKindStatusUpdate, &payload)
}

// DecodeRelayFrame relay a promotion frame verbatim
func DecodeRelayFrame(frame []byte) (common.StreamEvent, error) {
	return common.NewRawStreamEvent(common.EventKindPromotion, frame)
}

// NormalizeUpstreamChunk reduce one upstream line to its JSON frame. Returns nil for
// lines which carry no frame: blank lines, SSE comments, and SSE fields other than
// `data`.
func NormalizeUpstreamChunk(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		line = bytes.TrimSpace(line[len("data:"):])
		if len(line) == 0 {
			return nil
		}
		return line
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(field)) {
			return nil
		}
	}
	return line
}

// ProxySession one open upstream stream bridged into a connection handle
type ProxySession struct {
	common.Component
	handle  *registry.Handle
	body    io.ReadCloser
	decoder FrameDecoder
	metrics *common.Metrics
	done    chan struct{}
	err     error
}

// Done closed once the upstream read loop exits. All frames read were queued onto the
// handle before this closes.
func (s *ProxySession) Done() <-chan struct{} {
	return s.done
}

// Err why the read loop exited. nil when the upstream ended the stream or the session
// was cancelled.
func (s *ProxySession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// readLoop forward upstream frames to the handle until the upstream ends, fails, or
// the handle closes
func (s *ProxySession) readLoop() {
	defer close(s.done)
	defer func() {
		if err := s.body.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Upstream body close failed")
		}
	}()
	ctxt := s.handle.Context()
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 4096), maxUpstreamFrame)
	forwarded := 0
	for scanner.Scan() {
		frame := NormalizeUpstreamChunk(scanner.Bytes())
		if frame == nil {
			continue
		}
		event, err := s.decoder(frame)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Dropping malformed frame '%s'", frame)
			s.metrics.FrameDropped("malformed")
			continue
		}
		if err := s.handle.Deliver(ctxt, event); err != nil {
			log.WithFields(s.LogTags).Debugf("Handle closed after %d frames", forwarded)
			return
		}
		forwarded++
	}
	if err := scanner.Err(); err != nil {
		if ctxt.Err() != nil || errors.Is(err, context.Canceled) {
			log.WithFields(s.LogTags).Debugf("Upstream read cancelled after %d frames", forwarded)
			return
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Upstream read failed")
		s.metrics.UpstreamError("read")
		s.err = fmt.Errorf("%w: %s", common.ErrUpstreamStream, err.Error())
		return
	}
	log.WithFields(s.LogTags).Infof("Upstream ended after %d frames", forwarded)
}

// ==============================================================================

// UpstreamStreamProxy bridges upstream streams into connection handles
type UpstreamStreamProxy interface {
	// Open issue the upstream request for a resource and begin forwarding its frames
	// into the handle. The upstream request is bound to the handle context: closing
	// the handle cancels it. Fails with ErrConnect when the stream can not be
	// established.
	Open(ctxt context.Context, resourceID string, handle *registry.Handle) (*ProxySession, error)
}

// upstreamStreamProxyImpl implements UpstreamStreamProxy
type upstreamStreamProxyImpl struct {
	common.Component
	client  core.UpstreamClient
	decoder FrameDecoder
	metrics *common.Metrics
	wg      *sync.WaitGroup
}

// GetUpstreamStreamProxy define a new UpstreamStreamProxy
func GetUpstreamStreamProxy(
	instance string,
	client core.UpstreamClient,
	decoder FrameDecoder,
	metrics *common.Metrics,
	wg *sync.WaitGroup,
) UpstreamStreamProxy {
	logTags := log.Fields{
		"module": "dataplane", "component": "upstream-proxy", "instance": instance,
	}
	return &upstreamStreamProxyImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
		decoder:   decoder,
		metrics:   metrics,
		wg:        wg,
	}
}

// Open issue the upstream request and begin forwarding
func (p *upstreamStreamProxyImpl) Open(
	ctxt context.Context, resourceID string, handle *registry.Handle,
) (*ProxySession, error) {
	logTags := p.GetLogTagsForContext(ctxt)
	logTags["resource"] = resourceID
	logTags["handle"] = handle.ID
	if err := common.ValidateSubscriberKey(resourceID); err != nil {
		return nil, err
	}
	// Carry the request metadata but bind the lifetime to the handle
	upstreamCtxt := handle.Context()
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		upstreamCtxt = context.WithValue(upstreamCtxt, common.RequestParam{}, v)
	}
	body, err := p.client.OpenStream(upstreamCtxt, resourceID)
	if err != nil {
		p.metrics.UpstreamError("connect")
		log.WithError(err).WithFields(logTags).Error("Unable to open upstream stream")
		if !errors.Is(err, common.ErrConnect) {
			err = fmt.Errorf("%w: %s", common.ErrConnect, err.Error())
		}
		return nil, err
	}
	session := &ProxySession{
		Component: common.Component{LogTags: logTags},
		handle:    handle,
		body:      body,
		decoder:   p.decoder,
		metrics:   p.metrics,
		done:      make(chan struct{}),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		session.readLoop()
	}()
	log.WithFields(logTags).Info("Upstream stream opened")
	return session, nil
}
