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

package management

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/apex/log"
)

// SubscriptionIntent a subscriber's opt-in for promotions
type SubscriptionIntent struct {
	// Key is the subscriber key
	Key string `json:"email"`
	// OptedIn whether the subscriber wants promotions
	OptedIn bool `json:"opted_in"`
	// Filter is the promotion filter expression
	Filter string `json:"filter,omitempty"`
	// CreatedAt is when the subscriber first subscribed
	CreatedAt time.Time `json:"created_at"`
	filter    *PromotionFilter
}

// Accepts whether the subscriber wants this promotion
func (i SubscriptionIntent) Accepts(promo common.Promotion) bool {
	return i.OptedIn && i.filter.Match(promo)
}

// SubscriptionIntentStore records which subscriber keys opted in to promotions
type SubscriptionIntentStore interface {
	// Subscribe record the opt-in of a key. Subscribing again replaces the filter.
	Subscribe(key string, filter string) (SubscriptionIntent, error)
	// Unsubscribe remove the opt-in of a key. ErrNotSubscribed if the key never
	// subscribed.
	Unsubscribe(key string) error
	// IsSubscribed whether the key is opted in
	IsSubscribed(key string) bool
	// Get fetch the intent of a key
	Get(key string) (SubscriptionIntent, bool)
	// List all intents, sorted by key
	List() []SubscriptionIntent
}

// subscriptionIntentStoreImpl implements SubscriptionIntentStore
type subscriptionIntentStoreImpl struct {
	common.Component
	lock    sync.RWMutex
	intents map[string]SubscriptionIntent
}

// GetSubscriptionIntentStore define a new SubscriptionIntentStore
func GetSubscriptionIntentStore(instance string) SubscriptionIntentStore {
	logTags := log.Fields{
		"module": "management", "component": "intent-store", "instance": instance,
	}
	return &subscriptionIntentStoreImpl{
		Component: common.Component{LogTags: logTags},
		intents:   make(map[string]SubscriptionIntent),
	}
}

// Subscribe record the opt-in of a key
func (s *subscriptionIntentStoreImpl) Subscribe(key string, filter string) (SubscriptionIntent, error) {
	if err := common.ValidateSubscriberKey(key); err != nil {
		return SubscriptionIntent{}, err
	}
	compiled, err := CompilePromotionFilter(filter)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Bad filter from %s", key)
		return SubscriptionIntent{}, fmt.Errorf("%w: %w", common.ErrInvalidFilter, err)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	intent, ok := s.intents[key]
	if !ok {
		intent = SubscriptionIntent{Key: key, CreatedAt: time.Now().UTC()}
		log.WithFields(s.LogTags).Infof("New subscriber %s", key)
	}
	intent.OptedIn = true
	intent.Filter = compiled.Expression()
	intent.filter = compiled
	s.intents[key] = intent
	return intent, nil
}

// Unsubscribe remove the opt-in of a key
func (s *subscriptionIntentStoreImpl) Unsubscribe(key string) error {
	if err := common.ValidateSubscriberKey(key); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.intents[key]; !ok {
		return fmt.Errorf("%w: %s", common.ErrNotSubscribed, key)
	}
	delete(s.intents, key)
	log.WithFields(s.LogTags).Infof("Removed subscriber %s", key)
	return nil
}

// IsSubscribed whether the key is opted in
func (s *subscriptionIntentStoreImpl) IsSubscribed(key string) bool {
	intent, ok := s.Get(key)
	return ok && intent.OptedIn
}

// Get fetch the intent of a key
func (s *subscriptionIntentStoreImpl) Get(key string) (SubscriptionIntent, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	intent, ok := s.intents[key]
	return intent, ok
}

// List all intents
func (s *subscriptionIntentStoreImpl) List() []SubscriptionIntent {
	s.lock.RLock()
	result := make([]SubscriptionIntent, 0, len(s.intents))
	for _, intent := range s.intents {
		result = append(result, intent)
	}
	s.lock.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}
