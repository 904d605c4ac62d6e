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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/management"
	"github.com/alwitt/cruisecast/registry"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestBroadcastFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	metrics, err := common.NewMetrics(prometheus.NewRegistry())
	assert.Nil(err)
	connections := registry.GetConnectionRegistry("testing", metrics)
	intents := management.GetSubscriptionIntentStore("testing")
	catalog := management.GetPromotionCatalog("testing", false)

	uut, err := GetBroadcastScheduler(utCtxt, "testing", connections, intents, catalog, metrics, &wg)
	assert.Nil(err)

	// Case 0: no streams, no content
	{
		report, err := uut.Tick()
		assert.Nil(err)
		assert.Nil(report.Promotion)
	}

	handles := []*registry.Handle{}
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("user-%d@x.com", i)
		_, err := intents.Subscribe(key, "")
		assert.Nil(err)
		handle, err := registry.NewHandle(utCtxt, key, registry.ModePromotion, 1)
		assert.Nil(err)
		_, err = connections.Register(key, handle)
		assert.Nil(err)
		handles = append(handles, handle)
	}
	// Status streams are never part of a broadcast
	statusHandle, err := registry.NewHandle(utCtxt, StatusStreamKey("1"), registry.ModeStatus, 1)
	assert.Nil(err)
	_, err = connections.Register(statusHandle.Key, statusHandle)
	assert.Nil(err)

	// Case 1: streams but no content
	{
		report, err := uut.Tick()
		assert.Nil(err)
		assert.Nil(report.Promotion)
		assert.Equal(0, report.Delivered)
	}

	for _, promo := range management.DefaultPromotions() {
		_, err := catalog.Add(management.SourceManual, promo)
		assert.Nil(err)
	}

	// Case 2: every stream gets the same bytes
	{
		report, err := uut.Tick()
		assert.Nil(err)
		assert.NotNil(report.Promotion)
		assert.Equal(3, report.Delivered)
		var reference *common.StreamEvent
		for _, handle := range handles {
			select {
			case event := <-handle.Events():
				assert.Equal(common.EventKindPromotion, event.Kind)
				if reference == nil {
					reference = &event
					var promo common.Promotion
					assert.Nil(json.Unmarshal(event.Data, &promo))
					assert.Equal(report.Promotion.ID, promo.ID)
				} else {
					assert.Equal(reference.ID, event.ID)
					assert.Equal(string(reference.Data), string(event.Data))
				}
			default:
				assert.Fail("promotion not queued")
			}
		}
		assert.Len(statusHandle.Events(), 0)
	}

	// Case 3: full queue drops the frame for that stream only
	{
		ok, err := handles[0].TryDeliver(common.StreamEvent{Kind: common.EventKindControl})
		assert.Nil(err)
		assert.True(ok)
		report, err := uut.Tick()
		assert.Nil(err)
		assert.Equal(2, report.Delivered)
		assert.Equal(1, report.Dropped)
		for _, handle := range handles {
			<-handle.Events()
		}
	}

	// Case 4: filtered subscriber is skipped, not evicted
	{
		_, err := intents.Subscribe(handles[1].Key, `promotion.destination == "Nowhere"`)
		assert.Nil(err)
		report, err := uut.Tick()
		assert.Nil(err)
		assert.Equal(2, report.Delivered)
		assert.Equal(1, report.Filtered)
		assert.False(handles[1].Closed())
		assert.Len(handles[1].Events(), 0)
		for _, idx := range []int{0, 2} {
			<-handles[idx].Events()
		}
	}

	// Case 5: unsubscribed stream is evicted at the next tick
	{
		assert.Nil(intents.Unsubscribe(handles[2].Key))
		report, err := uut.Tick()
		assert.Nil(err)
		assert.Equal(1, report.Evicted)
		assert.True(handles[2].Closed())
		assert.Len(handles[2].Events(), 0)
		_, ok := connections.Lookup(handles[2].Key)
		assert.False(ok)
	}
}

func TestBroadcastInitialPush(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	connections := registry.GetConnectionRegistry("testing", nil)
	intents := management.GetSubscriptionIntentStore("testing")
	catalog := management.GetPromotionCatalog("testing", true)

	uut, err := GetBroadcastScheduler(utCtxt, "testing", connections, intents, catalog, nil, &wg)
	assert.Nil(err)

	handle, err := registry.NewHandle(utCtxt, "a@x.com", registry.ModePromotion, 2)
	assert.Nil(err)

	// Case 0: not subscribed
	{
		pushed, err := uut.PushInitial(handle)
		assert.Nil(err)
		assert.False(pushed)
	}

	// Case 1: subscribed
	{
		_, err := intents.Subscribe("a@x.com", "")
		assert.Nil(err)
		pushed, err := uut.PushInitial(handle)
		assert.Nil(err)
		assert.True(pushed)
		event := <-handle.Events()
		assert.Equal(common.EventKindPromotion, event.Kind)
	}
}

func TestBroadcastPeriodic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	connections := registry.GetConnectionRegistry("testing", nil)
	intents := management.GetSubscriptionIntentStore("testing")
	catalog := management.GetPromotionCatalog("testing", true)

	uut, err := GetBroadcastScheduler(utCtxt, "testing", connections, intents, catalog, nil, &wg)
	assert.Nil(err)

	_, err = intents.Subscribe("a@x.com", "")
	assert.Nil(err)
	handle, err := registry.NewHandle(utCtxt, "a@x.com", registry.ModePromotion, 8)
	assert.Nil(err)
	_, err = connections.Register("a@x.com", handle)
	assert.Nil(err)

	assert.Nil(uut.Start(time.Millisecond * 50))
	time.Sleep(time.Millisecond * 180)
	assert.Nil(uut.Stop())
	received := len(handle.Events())
	assert.GreaterOrEqual(received, 2)
	assert.LessOrEqual(received, 4)
}
