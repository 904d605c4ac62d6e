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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/core"
	"github.com/alwitt/cruisecast/management"
	"github.com/alwitt/cruisecast/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// streamTestEnv one stream manager behind a downstream HTTP server
type streamTestEnv struct {
	connections registry.ConnectionRegistry
	intents     management.SubscriptionIntentStore
	catalog     management.PromotionCatalog
	scheduler   BroadcastScheduler
	manager     StreamManager
	downstream  *httptest.Server
	results     chan error
}

func newStreamTestEnv(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	statusClient core.UpstreamClient,
	relayClient core.UpstreamClient,
	params StreamManagerParams,
) *streamTestEnv {
	assert := assert.New(t)
	env := &streamTestEnv{
		connections: registry.GetConnectionRegistry("testing", nil),
		intents:     management.GetSubscriptionIntentStore("testing"),
		catalog:     management.GetPromotionCatalog("testing", false),
		results:     make(chan error, 16),
	}
	scheduler, err := GetBroadcastScheduler(
		ctxt, "testing", env.connections, env.intents, env.catalog, nil, wg,
	)
	assert.Nil(err)
	env.scheduler = scheduler
	var statusProxy, relayProxy UpstreamStreamProxy
	if statusClient != nil {
		statusProxy = GetUpstreamStreamProxy("status", statusClient, DecodeStatusFrame, nil, wg)
	}
	if relayClient != nil {
		relayProxy = GetUpstreamStreamProxy("relay", relayClient, DecodeRelayFrame, nil, wg)
	}
	env.manager, err = GetStreamManager(
		ctxt, "testing", env.connections, statusProxy, relayProxy, scheduler, params, nil,
	)
	assert.Nil(err)

	env.downstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sink, err := NewSSESink(w)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			env.results <- err
			return
		}
		if id := r.URL.Query().Get("reservation_id"); id != "" {
			err = env.manager.ServeStatus(r.Context(), id, sink)
		} else {
			err = env.manager.ServePromotions(r.Context(), r.URL.Query().Get("email"), sink)
		}
		if err != nil && !sink.Opened() {
			if errors.Is(err, common.ErrConnect) {
				w.WriteHeader(http.StatusBadGateway)
			} else {
				w.WriteHeader(http.StatusBadRequest)
			}
		}
		env.results <- err
	}))
	return env
}

func (e *streamTestEnv) waitResult(t *testing.T) error {
	select {
	case err := <-e.results:
		return err
	case <-time.After(time.Second * 2):
		assert.Fail(t, "stream handler did not return")
		return nil
	}
}

// expectHandshake read the opening control frame
func expectHandshake(t *testing.T, client *sseClient) {
	event, ok, err := client.next(time.Second)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, common.EventKindControl, event.Kind)
	var msg common.ControlMessage
	assert.Nil(t, json.Unmarshal(event.Data, &msg))
	assert.Equal(t, common.ConnectionEstablishedMsg, msg.Message)
}

// expectEnd the stream ends without another frame
func expectEnd(t *testing.T, client *sseClient) {
	event, ok, err := client.next(time.Second * 2)
	assert.Nil(t, err)
	assert.False(t, ok, "unexpected frame %s", event)
}

func TestStatusStreamApproved(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	script := newUpstreamScript([]string{
		`{"payment_status": {"status": "PENDING", "message": "waiting"}}`,
		`{"payment_status": {"status": "APPROVED", "message": "paid"}}`,
		`{"payment_status": {"status": "PENDING", "message": "late"}}`,
	}, time.Second*5)
	upstream := httptest.NewServer(script.handler("reservation_id"))
	defer upstream.Close()
	client, err := core.GetUpstreamClient("booking", core.UpstreamParams{
		URL: upstream.URL, ParamName: "reservation_id", ConnectTimeout: time.Second,
	})
	assert.Nil(err)

	env := newStreamTestEnv(t, utCtxt, &wg, client, nil, StreamManagerParams{
		InboxSize: 4, WatchDuration: time.Second * 10,
	})
	defer env.downstream.Close()

	sse, err := openSSEClient(utCtxt, env.downstream.URL+"?reservation_id=42")
	assert.Nil(err)
	defer sse.Close()
	assert.Equal(http.StatusOK, sse.Status)
	expectHandshake(t, sse)

	for _, expected := range []common.PaymentState{common.PaymentPending, common.PaymentApproved} {
		event, ok, err := sse.next(time.Second)
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(common.EventKindStatusUpdate, event.Kind)
		var payload common.ReservationStatusPayload
		assert.Nil(json.Unmarshal(event.Data, &payload))
		assert.Equal(expected, payload.PaymentState())
	}
	// No frame after the final status, even though the upstream sent more
	expectEnd(t, sse)
	assert.Nil(env.waitResult(t))

	_, ok := env.connections.Lookup(StatusStreamKey("42"))
	assert.False(ok)
	select {
	case resource := <-script.cancelled:
		assert.Equal("42", resource)
	case <-time.After(time.Second):
		assert.Fail("upstream request not cancelled")
	}
}

func TestStatusStreamWatchdog(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	script := newUpstreamScript([]string{
		`{"payment_status": {"status": "PENDING", "message": "waiting"}}`,
	}, time.Second*5)
	upstream := httptest.NewServer(script.handler("reservation_id"))
	defer upstream.Close()
	client, err := core.GetUpstreamClient("booking", core.UpstreamParams{
		URL: upstream.URL, ParamName: "reservation_id", ConnectTimeout: time.Second,
	})
	assert.Nil(err)

	env := newStreamTestEnv(t, utCtxt, &wg, client, nil, StreamManagerParams{
		InboxSize: 4, WatchDuration: time.Millisecond * 300,
	})
	defer env.downstream.Close()

	start := time.Now()
	sse, err := openSSEClient(utCtxt, env.downstream.URL+"?reservation_id=7")
	assert.Nil(err)
	defer sse.Close()
	expectHandshake(t, sse)

	event, ok, err := sse.next(time.Second)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(common.EventKindStatusUpdate, event.Kind)

	event, ok, err = sse.next(time.Second)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(common.EventKindControl, event.Kind)
	var msg common.ControlMessage
	assert.Nil(json.Unmarshal(event.Data, &msg))
	assert.Equal(string(StateTimeout), msg.State)
	assert.GreaterOrEqual(time.Since(start), time.Millisecond*300)

	expectEnd(t, sse)
	assert.Nil(env.waitResult(t))
	_, ok = env.connections.Lookup(StatusStreamKey("7"))
	assert.False(ok)
	select {
	case <-script.cancelled:
	case <-time.After(time.Second):
		assert.Fail("upstream request not cancelled")
	}
}

func TestStatusStreamConnectFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	mockClient := &mockUpstreamClient{}
	mockClient.On("OpenStream", mock.Anything, "9").Return(
		nil, fmt.Errorf("%w: refused", common.ErrConnect),
	)

	env := newStreamTestEnv(t, utCtxt, &wg, mockClient, nil, StreamManagerParams{
		InboxSize: 4, WatchDuration: time.Second,
	})
	defer env.downstream.Close()

	// Case 0: failure before the preamble is reported as a response status
	{
		resp, err := http.Get(env.downstream.URL + "?reservation_id=9")
		assert.Nil(err)
		assert.Nil(resp.Body.Close())
		assert.Equal(http.StatusBadGateway, resp.StatusCode)
		assert.True(errors.Is(env.waitResult(t), common.ErrConnect))
		assert.Equal(0, env.connections.Count())
	}

	// Case 1: direct call, the sink is never opened
	{
		sink := &recordingSink{}
		err := env.manager.ServeStatus(utCtxt, "9", sink)
		assert.True(errors.Is(err, common.ErrConnect))
		assert.False(sink.Opened())
		assert.Empty(sink.Events())
	}

	// Case 2: invalid reservation ID
	{
		sink := &recordingSink{}
		err := env.manager.ServeStatus(utCtxt, "  ", sink)
		assert.True(errors.Is(err, common.ErrInvalidKey))
	}
}

func TestStatusStreamUpstreamFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	body := io.NopCloser(io.MultiReader(
		strings.NewReader(`{"payment_status": {"status": "PENDING", "message": "waiting"}}`+"\n"),
		&failingReader{},
	))
	mockClient := &mockUpstreamClient{}
	mockClient.On("OpenStream", mock.Anything, "11").Return(body, nil).Once()

	env := newStreamTestEnv(t, utCtxt, &wg, mockClient, nil, StreamManagerParams{
		InboxSize: 4, WatchDuration: time.Second * 10,
	})
	defer env.downstream.Close()

	// The failure happens after the preamble, so the stream just ends
	sink := &recordingSink{}
	err := env.manager.ServeStatus(utCtxt, "11", sink)
	assert.True(errors.Is(err, common.ErrUpstreamStream))
	assert.True(sink.Opened())

	events := sink.Events()
	assert.Len(events, 2)
	if len(events) == 2 {
		assert.Equal(common.EventKindControl, events[0].Kind)
		assert.Equal(common.EventKindStatusUpdate, events[1].Kind)
		var payload common.ReservationStatusPayload
		assert.Nil(json.Unmarshal(events[1].Data, &payload))
		assert.Equal(common.PaymentPending, payload.PaymentState())
	}

	_, ok := env.connections.Lookup(StatusStreamKey("11"))
	assert.False(ok)
	assert.Equal(0, env.connections.Count())
	mockClient.AssertExpectations(t)
}

func TestPromotionStreamScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	env := newStreamTestEnv(t, utCtxt, &wg, nil, nil, StreamManagerParams{InboxSize: 4})
	defer env.downstream.Close()

	_, err := env.intents.Subscribe("a@x.com", "")
	assert.Nil(err)

	sse, err := openSSEClient(utCtxt, env.downstream.URL+"?email=a@x.com")
	assert.Nil(err)
	defer sse.Close()
	expectHandshake(t, sse)
	assert.Eventually(func() bool {
		_, ok := env.connections.Lookup("a@x.com")
		return ok
	}, time.Second, time.Millisecond*10)

	p1, err := env.catalog.Add(management.SourceManual, common.Promotion{
		ID: "P1", Title: "Caribbean Dream Cruise", Discount: 20, Destination: "Nassau",
	})
	assert.Nil(err)

	// Tick delivers exactly one frame carrying P1
	{
		report, err := env.scheduler.Tick()
		assert.Nil(err)
		assert.Equal(1, report.Delivered)
		event, ok, err := sse.next(time.Second)
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(common.EventKindPromotion, event.Kind)
		var received common.Promotion
		assert.Nil(json.Unmarshal(event.Data, &received))
		assert.Equal(p1.ID, received.ID)
		assert.Equal(p1.Title, received.Title)
		assert.Equal(p1.Discount, received.Discount)
	}

	// After unsubscribe, the next tick ends the stream
	{
		assert.Nil(env.intents.Unsubscribe("a@x.com"))
		report, err := env.scheduler.Tick()
		assert.Nil(err)
		assert.Equal(1, report.Evicted)
		assert.Equal(0, report.Delivered)
		expectEnd(t, sse)
		assert.Nil(env.waitResult(t))
		_, ok := env.connections.Lookup("a@x.com")
		assert.False(ok)
	}
}

func TestPromotionStreamUniqueness(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	env := newStreamTestEnv(t, utCtxt, &wg, nil, nil, StreamManagerParams{InboxSize: 4})
	defer env.downstream.Close()
	_, err := env.intents.Subscribe("a@x.com", "")
	assert.Nil(err)

	first, err := openSSEClient(utCtxt, env.downstream.URL+"?email=a@x.com")
	assert.Nil(err)
	defer first.Close()
	expectHandshake(t, first)
	assert.Eventually(func() bool {
		_, ok := env.connections.Lookup("a@x.com")
		return ok
	}, time.Second, time.Millisecond*10)
	firstHandle, _ := env.connections.Lookup("a@x.com")

	second, err := openSSEClient(utCtxt, env.downstream.URL+"?email=a@x.com")
	assert.Nil(err)
	defer second.Close()
	expectHandshake(t, second)

	// The first stream was closed by the second open
	expectEnd(t, first)
	assert.Nil(env.waitResult(t))
	assert.True(firstHandle.Closed())
	current, ok := env.connections.Lookup("a@x.com")
	assert.True(ok)
	assert.NotEqual(firstHandle.ID, current.ID)
	assert.Equal(1, env.connections.Count())

	// Broadcasts reach the second stream only
	_, err = env.catalog.Add(management.SourceManual, common.Promotion{Title: "Fjords"})
	assert.Nil(err)
	report, err := env.scheduler.Tick()
	assert.Nil(err)
	assert.Equal(1, report.Delivered)
	event, ok, err := second.next(time.Second)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(common.EventKindPromotion, event.Kind)

	// Disconnect removes the entry
	second.Close()
	assert.Nil(env.waitResult(t))
	assert.Eventually(func() bool {
		return env.connections.Count() == 0
	}, time.Second, time.Millisecond*10)
}

func TestRelayStreamCancellation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	script := newUpstreamScript([]string{
		`data: {"title": "Special Offer to Miami!", "discount": 25}`,
	}, time.Second*5)
	upstream := httptest.NewServer(script.handler("email"))
	defer upstream.Close()
	client, err := core.GetUpstreamClient("marketing", core.UpstreamParams{
		URL: upstream.URL, ParamName: "email", ConnectTimeout: time.Second,
	})
	assert.Nil(err)

	env := newStreamTestEnv(t, utCtxt, &wg, nil, client, StreamManagerParams{
		InboxSize: 4, KeepAlive: time.Millisecond * 50,
	})
	defer env.downstream.Close()

	sse, err := openSSEClient(utCtxt, env.downstream.URL+"?email=b@x.com")
	assert.Nil(err)
	expectHandshake(t, sse)
	event, ok, err := sse.next(time.Second)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(common.EventKindPromotion, event.Kind)
	assert.JSONEq(`{"title": "Special Offer to Miami!", "discount": 25}`, string(event.Data))

	// Idle stream carries keep-alives
	select {
	case comment := <-sse.Comments:
		assert.Equal("keep-alive", comment)
	case <-time.After(time.Second):
		assert.Fail("no keep-alive")
	}

	handle, ok := env.connections.Lookup("b@x.com")
	assert.True(ok)
	assert.Equal(registry.ModeRelay, handle.Mode)

	// Downstream disconnect cancels the upstream request
	sse.Close()
	select {
	case resource := <-script.cancelled:
		assert.Equal("b@x.com", resource)
	case <-time.After(time.Second):
		assert.Fail("upstream request not cancelled")
	}
	assert.Nil(env.waitResult(t))
	_, ok = env.connections.Lookup("b@x.com")
	assert.False(ok)
}
