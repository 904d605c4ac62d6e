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
	"sync"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/management"
	"github.com/alwitt/cruisecast/registry"
	"github.com/apex/log"
)

// TickReport outcome of one broadcast tick
type TickReport struct {
	// Promotion is the promotion sent, nil if the tick was a no-op
	Promotion *common.Promotion `json:"promotion,omitempty"`
	// Delivered is the number of subscribers the promotion was queued for
	Delivered int `json:"delivered"`
	// Filtered is the number of subscribers whose filter rejected the promotion
	Filtered int `json:"filtered"`
	// Dropped is the number of subscribers whose queue was full
	Dropped int `json:"dropped"`
	// Evicted is the number of streams closed as no longer subscribed
	Evicted int `json:"evicted"`
}

// BroadcastScheduler periodically pushes one shared promotion to every promotion stream
type BroadcastScheduler interface {
	// Tick broadcast one randomly selected promotion now. A tick with no content or no
	// open promotion streams is a no-op.
	Tick() (TickReport, error)
	// PushInitial queue one random promotion for a newly opened stream, if its key
	// is subscribed. Returns whether a promotion was queued.
	PushInitial(handle *registry.Handle) (bool, error)
	// Start tick at a fixed interval
	Start(interval time.Duration) error
	// Stop stop the periodic ticks
	Stop() error
}

// broadcastSchedulerImpl implements BroadcastScheduler
type broadcastSchedulerImpl struct {
	common.Component
	connections registry.ConnectionRegistry
	intents     management.SubscriptionIntentStore
	catalog     management.PromotionCatalog
	timer       common.IntervalTimer
	metrics     *common.Metrics
	// tickLock serializes ticks, so all streams see broadcasts in the same order
	tickLock sync.Mutex
}

// GetBroadcastScheduler define a new BroadcastScheduler
func GetBroadcastScheduler(
	ctxt context.Context,
	instance string,
	connections registry.ConnectionRegistry,
	intents management.SubscriptionIntentStore,
	catalog management.PromotionCatalog,
	metrics *common.Metrics,
	wg *sync.WaitGroup,
) (BroadcastScheduler, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "broadcast-scheduler", "instance": instance,
	}
	timer, err := common.GetIntervalTimerInstance(instance, ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &broadcastSchedulerImpl{
		Component:   common.Component{LogTags: logTags},
		connections: connections,
		intents:     intents,
		catalog:     catalog,
		timer:       timer,
		metrics:     metrics,
	}, nil
}

// Tick broadcast one randomly selected promotion now
func (s *broadcastSchedulerImpl) Tick() (TickReport, error) {
	s.tickLock.Lock()
	defer s.tickLock.Unlock()
	report := TickReport{}

	streams := s.connections.Snapshot(registry.ModePromotion)
	if len(streams) == 0 {
		log.WithFields(s.LogTags).Debug("No promotion streams open")
		return report, nil
	}
	promo, ok := s.catalog.Random()
	if !ok {
		log.WithFields(s.LogTags).Debug("No promotions available")
		return report, nil
	}
	// Every stream gets the same serialized frame
	event, err := common.NewStreamEvent(common.EventKindPromotion, &promo)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to serialize %s", promo)
		return report, err
	}
	report.Promotion = &promo

	for _, handle := range streams {
		intent, ok := s.intents.Get(handle.Key)
		if !ok || !intent.OptedIn {
			if s.connections.Release(handle.Key, handle) {
				handle.Close("no longer subscribed")
				s.metrics.Evicted("unsubscribed")
				report.Evicted++
				log.WithFields(s.LogTags).Infof("Evicted %s, no longer subscribed", handle)
			}
			continue
		}
		if !intent.Accepts(promo) {
			report.Filtered++
			continue
		}
		queued, err := handle.TryDeliver(event)
		if err != nil {
			// Closed since the snapshot
			continue
		}
		if !queued {
			s.metrics.FrameDropped("inbox-full")
			report.Dropped++
			log.WithFields(s.LogTags).Warnf("Queue of %s full, skipping %s", handle, promo)
			continue
		}
		report.Delivered++
	}
	if report.Delivered > 0 {
		s.metrics.BroadcastTick()
	}
	log.WithFields(s.LogTags).Debugf(
		"Broadcast %s: delivered %d filtered %d dropped %d evicted %d",
		promo, report.Delivered, report.Filtered, report.Dropped, report.Evicted,
	)
	return report, nil
}

// PushInitial queue one random promotion for a newly opened stream
func (s *broadcastSchedulerImpl) PushInitial(handle *registry.Handle) (bool, error) {
	intent, ok := s.intents.Get(handle.Key)
	if !ok || !intent.OptedIn {
		return false, nil
	}
	promo, ok := s.catalog.Random()
	if !ok || !intent.Accepts(promo) {
		return false, nil
	}
	event, err := common.NewStreamEvent(common.EventKindPromotion, &promo)
	if err != nil {
		return false, err
	}
	return handle.TryDeliver(event)
}

// Start tick at a fixed interval
func (s *broadcastSchedulerImpl) Start(interval time.Duration) error {
	return s.timer.Start(interval, func() error {
		_, err := s.Tick()
		return err
	}, false)
}

// Stop stop the periodic ticks
func (s *broadcastSchedulerImpl) Stop() error {
	return s.timer.Stop()
}
