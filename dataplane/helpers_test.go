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
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/stretchr/testify/mock"
)

// sseClient reads the SSE frames of one downstream stream
type sseClient struct {
	Events   chan common.StreamEvent
	Comments chan string
	Status   int
	cancel   context.CancelFunc
}

// openSSEClient open a stream and parse its frames until the stream ends
func openSSEClient(parent context.Context, url string) (*sseClient, error) {
	ctxt, cancel := context.WithCancel(parent)
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	client := &sseClient{
		Events:   make(chan common.StreamEvent, 64),
		Comments: make(chan string, 64),
		Status:   resp.StatusCode,
		cancel:   cancel,
	}
	go func() {
		defer close(client.Events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		current := common.StreamEvent{}
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if len(current.Data) > 0 {
					client.Events <- current
				}
				current = common.StreamEvent{}
			case strings.HasPrefix(line, ":"):
				select {
				case client.Comments <- strings.TrimSpace(line[1:]):
				default:
				}
			case strings.HasPrefix(line, "id: "):
				current.ID = line[len("id: "):]
			case strings.HasPrefix(line, "event: "):
				current.Kind = common.EventKind(line[len("event: "):])
			case strings.HasPrefix(line, "data: "):
				current.Data = []byte(line[len("data: "):])
			}
		}
	}()
	return client, nil
}

// Close disconnect the client
func (c *sseClient) Close() {
	c.cancel()
}

// next wait for the next frame. ok is false if the stream ended.
func (c *sseClient) next(timeout time.Duration) (common.StreamEvent, bool, error) {
	select {
	case event, ok := <-c.Events:
		return event, ok, nil
	case <-time.After(timeout):
		return common.StreamEvent{}, false, fmt.Errorf("no frame within %s", timeout)
	}
}

// ==============================================================================

// upstreamScript a fake streaming upstream which writes lines, then holds the stream
// open until the request is cancelled or the hold expires
type upstreamScript struct {
	lines     []string
	interval  time.Duration
	hold      time.Duration
	lock      sync.Mutex
	params    []string
	cancelled chan string
}

func newUpstreamScript(lines []string, hold time.Duration) *upstreamScript {
	return &upstreamScript{
		lines:     lines,
		interval:  time.Millisecond * 10,
		hold:      hold,
		cancelled: make(chan string, 16),
	}
}

func (s *upstreamScript) handler(paramName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get(paramName)
		s.lock.Lock()
		s.params = append(s.params, resource)
		s.lock.Unlock()
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for _, line := range s.lines {
			if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
				s.cancelled <- resource
				return
			}
			flusher.Flush()
			time.Sleep(s.interval)
		}
		select {
		case <-r.Context().Done():
			s.cancelled <- resource
		case <-time.After(s.hold):
		}
	}
}

// ==============================================================================

// mockUpstreamClient mock core.UpstreamClient
type mockUpstreamClient struct {
	mock.Mock
}

func (m *mockUpstreamClient) OpenStream(ctxt context.Context, resourceID string) (io.ReadCloser, error) {
	args := m.Called(ctxt, resourceID)
	var body io.ReadCloser
	if v := args.Get(0); v != nil {
		body = v.(io.ReadCloser)
	}
	return body, args.Error(1)
}

// recordingSink in-memory EventSink
type recordingSink struct {
	lock   sync.Mutex
	opened bool
	closed bool
	events []common.StreamEvent
}

func (s *recordingSink) Open() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.opened = true
	return nil
}

func (s *recordingSink) Opened() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.opened
}

func (s *recordingSink) Write(event common.StreamEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) KeepAlive() error { return nil }

func (s *recordingSink) Gone() <-chan struct{} { return nil }

func (s *recordingSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Events() []common.StreamEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]common.StreamEvent{}, s.events...)
}
