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
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/core"
	"github.com/alwitt/cruisecast/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestNormalizeUpstreamChunk(t *testing.T) {
	assert := assert.New(t)

	cases := map[string]string{
		"":                       "",
		"   \t ":                 "",
		": ping":                 "",
		"event: status":          "",
		"id: 12":                 "",
		"retry: 1000":            "",
		"data:":                  "",
		`data: {"a":1}`:          `{"a":1}`,
		`data:{"a":1}`:           `{"a":1}`,
		`   {"a": 1}   `:         `{"a": 1}`,
		`{"payment_status": {}}`: `{"payment_status": {}}`,
	}
	for input, expected := range cases {
		result := NormalizeUpstreamChunk([]byte(input))
		if expected == "" {
			assert.Nil(result, input)
		} else {
			assert.Equal(expected, string(result), input)
		}
	}
}

func TestUpstreamProxyForwarding(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	script := newUpstreamScript([]string{
		`{"payment_status": {"status": "pending", "message": "waiting"}}`,
		"",
		"   ",
		": keep-alive",
		"not json",
		`data: {"payment_status": "APPROVED", "ticket_status": "generated"}`,
	}, time.Second*5)
	upstream := httptest.NewServer(script.handler("reservation_id"))
	defer upstream.Close()

	client, err := core.GetUpstreamClient("testing", core.UpstreamParams{
		URL: upstream.URL, ParamName: "reservation_id", ConnectTimeout: time.Second,
	})
	assert.Nil(err)
	uut := GetUpstreamStreamProxy("testing", client, DecodeStatusFrame, nil, &wg)

	handle, err := registry.NewHandle(utCtxt, "res-42", registry.ModeStatus, 4)
	assert.Nil(err)

	session, err := uut.Open(utCtxt, "res-42", handle)
	assert.Nil(err)

	// Frames arrive in order, normalized, with malformed ones dropped
	expected := []common.PaymentState{common.PaymentPending, common.PaymentApproved}
	for _, state := range expected {
		select {
		case event := <-handle.Events():
			assert.Equal(common.EventKindStatusUpdate, event.Kind)
			var payload common.ReservationStatusPayload
			assert.Nil(json.Unmarshal(event.Data, &payload))
			assert.Equal(state, payload.PaymentState())
		case <-time.After(time.Second):
			assert.Fail("frame not forwarded")
		}
	}

	// Closing the handle cancels the upstream request
	handle.Close("testing")
	select {
	case resource := <-script.cancelled:
		assert.Equal("res-42", resource)
	case <-time.After(time.Second):
		assert.Fail("upstream request not cancelled")
	}
	select {
	case <-session.Done():
		assert.Nil(session.Err())
	case <-time.After(time.Second):
		assert.Fail("read loop did not exit")
	}
}

func TestUpstreamProxyStreamEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	mockClient := &mockUpstreamClient{}
	uut := GetUpstreamStreamProxy("testing", mockClient, DecodeRelayFrame, nil, &wg)

	// Case 0: upstream ends after two frames
	{
		body := io.NopCloser(strings.NewReader("{\"title\": \"a\"}\n{\"title\": \"b\"}\n"))
		mockClient.On("OpenStream", mock.Anything, "a@x.com").Return(body, nil).Once()
		handle, err := registry.NewHandle(utCtxt, "a@x.com", registry.ModeRelay, 4)
		assert.Nil(err)
		session, err := uut.Open(utCtxt, "a@x.com", handle)
		assert.Nil(err)
		select {
		case <-session.Done():
			assert.Nil(session.Err())
		case <-time.After(time.Second):
			assert.Fail("read loop did not exit")
		}
		assert.Len(handle.Events(), 2)
		first := <-handle.Events()
		assert.Equal(common.EventKindPromotion, first.Kind)
		assert.Equal(`{"title": "a"}`, string(first.Data))
	}

	// Case 1: upstream read failure
	{
		body := io.NopCloser(io.MultiReader(
			strings.NewReader("{\"title\": \"a\"}\n"), &failingReader{},
		))
		mockClient.On("OpenStream", mock.Anything, "b@x.com").Return(body, nil).Once()
		handle, err := registry.NewHandle(utCtxt, "b@x.com", registry.ModeRelay, 4)
		assert.Nil(err)
		session, err := uut.Open(utCtxt, "b@x.com", handle)
		assert.Nil(err)
		select {
		case <-session.Done():
			assert.True(errors.Is(session.Err(), common.ErrUpstreamStream))
		case <-time.After(time.Second):
			assert.Fail("read loop did not exit")
		}
		assert.Len(handle.Events(), 1)
	}

	// Case 2: connect failure
	{
		mockClient.On("OpenStream", mock.Anything, "c@x.com").Return(
			nil, fmt.Errorf("%w: refused", common.ErrConnect),
		).Once()
		handle, err := registry.NewHandle(utCtxt, "c@x.com", registry.ModeRelay, 4)
		assert.Nil(err)
		_, err = uut.Open(utCtxt, "c@x.com", handle)
		assert.True(errors.Is(err, common.ErrConnect))
	}

	// Case 3: invalid resource ID
	{
		handle, err := registry.NewHandle(utCtxt, "d@x.com", registry.ModeRelay, 4)
		assert.Nil(err)
		_, err = uut.Open(utCtxt, " ", handle)
		assert.True(errors.Is(err, common.ErrInvalidKey))
	}

	mockClient.AssertExpectations(t)
}

// failingReader fails every read
type failingReader struct{}

func (r *failingReader) Read(p []byte) (int, error) {
	return 0, fmt.Errorf("connection reset")
}
