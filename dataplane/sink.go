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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// EventSink the downstream side of one stream session. A sink is written by a single
// session task.
type EventSink interface {
	// Open commit the stream preamble (response headers)
	Open() error
	// Opened whether the preamble was committed
	Opened() bool
	// Write write one event frame and flush it
	Write(event common.StreamEvent) error
	// KeepAlive write an idle keep-alive
	KeepAlive() error
	// Gone closed when the sink detects the subscriber went away on its own. May be
	// nil if the transport reports disconnects through the request context only.
	Gone() <-chan struct{}
	// Close end the stream
	Close() error
}

// ==============================================================================

// httpStreamSink common base of the chunked HTTP sinks
type httpStreamSink struct {
	writer      http.ResponseWriter
	flusher     http.Flusher
	contentType string
	opened      bool
}

func newHTTPStreamSink(w http.ResponseWriter, contentType string) (httpStreamSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return httpStreamSink{}, fmt.Errorf("streaming not supported")
	}
	return httpStreamSink{writer: w, flusher: flusher, contentType: contentType}, nil
}

func (s *httpStreamSink) Open() error {
	if s.opened {
		return nil
	}
	s.writer.Header().Set("Connection", "keep-alive")
	s.writer.Header().Set("Cache-Control", "no-cache")
	s.writer.Header().Set("Content-Type", s.contentType)
	s.writer.Header().Set("X-Accel-Buffering", "no")
	s.writer.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.opened = true
	return nil
}

func (s *httpStreamSink) Opened() bool {
	return s.opened
}

func (s *httpStreamSink) Gone() <-chan struct{} {
	return nil
}

func (s *httpStreamSink) write(frame []byte) error {
	if !s.opened {
		return fmt.Errorf("stream not opened")
	}
	if _, err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("%w: %s", common.ErrSinkClosed, err.Error())
	}
	s.flusher.Flush()
	return nil
}

func (s *httpStreamSink) Close() error {
	if s.opened {
		s.flusher.Flush()
	}
	return nil
}

// SSESink writes events as server-sent events
type SSESink struct {
	httpStreamSink
}

// NewSSESink define a new SSE sink
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	base, err := newHTTPStreamSink(w, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return &SSESink{httpStreamSink: base}, nil
}

// FormatSSEFrame render an event as one SSE frame
func FormatSSEFrame(event common.StreamEvent) []byte {
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Kind, event.Data))
}

// Write write one event frame
func (s *SSESink) Write(event common.StreamEvent) error {
	return s.write(FormatSSEFrame(event))
}

// KeepAlive write an SSE comment
func (s *SSESink) KeepAlive() error {
	return s.write([]byte(": keep-alive\n\n"))
}

// NDJSONSink writes one JSON event envelope per line
type NDJSONSink struct {
	httpStreamSink
}

// NewNDJSONSink define a new NDJSON sink
func NewNDJSONSink(w http.ResponseWriter) (*NDJSONSink, error) {
	base, err := newHTTPStreamSink(w, "application/x-ndjson")
	if err != nil {
		return nil, err
	}
	return &NDJSONSink{httpStreamSink: base}, nil
}

// Write write one event frame
func (s *NDJSONSink) Write(event common.StreamEvent) error {
	serialized, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	return s.write(append(serialized, '\n'))
}

// KeepAlive flush only; blank lines are not valid NDJSON records
func (s *NDJSONSink) KeepAlive() error {
	if s.opened {
		s.flusher.Flush()
	}
	return nil
}

// ==============================================================================

// WebSocketSink writes events as WebSocket text messages
type WebSocketSink struct {
	common.Component
	conn         *websocket.Conn
	writeTimeout time.Duration
	gone         chan struct{}
	goneOnce     sync.Once
	closeOnce    sync.Once
	readerWG     sync.WaitGroup
}

// NewWebSocketSink define a new WebSocket sink over an upgraded connection. A reader
// task is started to process control frames and detect the subscriber leaving.
func NewWebSocketSink(
	conn *websocket.Conn, writeTimeout time.Duration, logTags log.Fields,
) *WebSocketSink {
	s := &WebSocketSink{
		Component:    common.Component{LogTags: logTags},
		conn:         conn,
		writeTimeout: writeTimeout,
		gone:         make(chan struct{}),
	}
	s.readerWG.Add(1)
	go func() {
		defer s.readerWG.Done()
		defer s.goneOnce.Do(func() { close(s.gone) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(
					err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				) {
					log.WithError(err).WithFields(s.LogTags).Error("WebSocket read failed")
				}
				return
			}
		}
	}()
	return s
}

// Open the upgrade already committed the preamble
func (s *WebSocketSink) Open() error {
	return nil
}

// Opened always true once upgraded
func (s *WebSocketSink) Opened() bool {
	return true
}

// Gone closed once the subscriber closes the socket
func (s *WebSocketSink) Gone() <-chan struct{} {
	return s.gone
}

// Write write one event as a JSON text message
func (s *WebSocketSink) Write(event common.StreamEvent) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteJSON(&event); err != nil {
		return fmt.Errorf("%w: %s", common.ErrSinkClosed, err.Error())
	}
	return nil
}

// KeepAlive send a ping
func (s *WebSocketSink) KeepAlive() error {
	return s.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(s.writeTimeout),
	)
}

// Close send a close frame and close the socket
func (s *WebSocketSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
			time.Now().Add(s.writeTimeout),
		)
		err = s.conn.Close()
		s.readerWG.Wait()
	})
	return err
}
