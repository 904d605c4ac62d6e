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
	"math/rand"
	"sort"
	"sync"

	"github.com/alwitt/cruisecast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Promotion sources
const (
	// SourceManual promotions added through the API
	SourceManual = "manual"
	// SourceDefault built-in promotions
	SourceDefault = "default"
	// SourceFeed promotions received from the message feed
	SourceFeed = "feed"
	// SourceItinerary promotions generated from the itinerary database
	SourceItinerary = "itinerary"
)

// DefaultPromotions the built-in promotion set
func DefaultPromotions() []common.Promotion {
	return []common.Promotion{
		{
			ID:              "default-caribbean",
			Title:           "Caribbean Dream Cruise",
			Discount:        20,
			ExpiresInHours:  48,
			Description:     "Explore the beautiful islands of the Caribbean with an amazing discount!",
			Destination:     "Nassau",
			OriginalPrice:   1800.00,
			DiscountedPrice: 1440.00,
			DepartureDate:   "2025-08-15",
		},
		{
			ID:              "default-mediterranean",
			Title:           "Mediterranean Discovery",
			Discount:        15,
			ExpiresInHours:  72,
			Description:     "Uncover the history and charm of the Mediterranean Sea.",
			Destination:     "Barcelona",
			OriginalPrice:   2500.00,
			DiscountedPrice: 2125.00,
			DepartureDate:   "2025-09-10",
		},
		{
			ID:              "default-alaska",
			Title:           "Alaskan Wilderness Expedition",
			Discount:        25,
			ExpiresInHours:  24,
			Description:     "Witness breathtaking glaciers and abundant wildlife.",
			Destination:     "Juneau",
			OriginalPrice:   3500.00,
			DiscountedPrice: 2625.00,
			DepartureDate:   "2025-07-01",
		},
		{
			ID:              "default-norway",
			Title:           "Norwegian Fjords Adventure",
			Discount:        10,
			ExpiresInHours:  96,
			Description:     "Experience the stunning landscapes of the Norwegian Fjords.",
			Destination:     "Bergen",
			OriginalPrice:   2000.00,
			DiscountedPrice: 1800.00,
			DepartureDate:   "2025-06-20",
		},
	}
}

// PromotionCatalog the in-process promotion content set
type PromotionCatalog interface {
	// Add add or replace (by ID) one promotion from a source. A promotion without ID
	// is assigned one.
	Add(source string, promo common.Promotion) (common.Promotion, error)
	// Replace replace every promotion of a source
	Replace(source string, promos []common.Promotion) error
	// List all promotions, sorted by ID
	List() []common.Promotion
	// Random pick one promotion uniformly at random
	Random() (common.Promotion, bool)
	// Len number of promotions
	Len() int
}

// catalogEntry one promotion in the catalog
type catalogEntry struct {
	source string
	promo  common.Promotion
}

// promotionCatalogImpl implements PromotionCatalog
type promotionCatalogImpl struct {
	common.Component
	lock      sync.RWMutex
	entries   []catalogEntry
	validator *validator.Validate
}

// GetPromotionCatalog define a new PromotionCatalog
func GetPromotionCatalog(instance string, seedDefaults bool) PromotionCatalog {
	logTags := log.Fields{
		"module": "management", "component": "promotion-catalog", "instance": instance,
	}
	instanceObj := &promotionCatalogImpl{
		Component: common.Component{LogTags: logTags},
		entries:   []catalogEntry{},
		validator: validator.New(),
	}
	if seedDefaults {
		for _, promo := range DefaultPromotions() {
			instanceObj.entries = append(instanceObj.entries, catalogEntry{source: SourceDefault, promo: promo})
		}
	}
	return instanceObj
}

// prepare validate a promotion, assigning an ID where missing
func (c *promotionCatalogImpl) prepare(promo common.Promotion) (common.Promotion, error) {
	if err := c.validator.Struct(&promo); err != nil {
		return common.Promotion{}, err
	}
	if promo.ID == "" {
		promo.ID = common.NewEventID()
	}
	return promo, nil
}

// Add add or replace one promotion
func (c *promotionCatalogImpl) Add(source string, promo common.Promotion) (common.Promotion, error) {
	promo, err := c.prepare(promo)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Rejected promotion from %s", source)
		return common.Promotion{}, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	for idx, entry := range c.entries {
		if entry.promo.ID == promo.ID {
			c.entries[idx] = catalogEntry{source: source, promo: promo}
			log.WithFields(c.LogTags).Debugf("Updated %s from %s", promo, source)
			return promo, nil
		}
	}
	c.entries = append(c.entries, catalogEntry{source: source, promo: promo})
	log.WithFields(c.LogTags).Debugf("Added %s from %s", promo, source)
	return promo, nil
}

// Replace replace every promotion of a source
func (c *promotionCatalogImpl) Replace(source string, promos []common.Promotion) error {
	prepared := make([]catalogEntry, 0, len(promos))
	for idx, promo := range promos {
		promo, err := c.prepare(promo)
		if err != nil {
			return fmt.Errorf("promotion %d of %s: %w", idx, source, err)
		}
		prepared = append(prepared, catalogEntry{source: source, promo: promo})
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	kept := make([]catalogEntry, 0, len(c.entries)+len(prepared))
	for _, entry := range c.entries {
		if entry.source != source {
			kept = append(kept, entry)
		}
	}
	c.entries = append(kept, prepared...)
	log.WithFields(c.LogTags).Infof("Replaced %s promotions (%d)", source, len(prepared))
	return nil
}

// List all promotions
func (c *promotionCatalogImpl) List() []common.Promotion {
	c.lock.RLock()
	result := make([]common.Promotion, 0, len(c.entries))
	for _, entry := range c.entries {
		result = append(result, entry.promo)
	}
	c.lock.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Random pick one promotion uniformly at random
func (c *promotionCatalogImpl) Random() (common.Promotion, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if len(c.entries) == 0 {
		return common.Promotion{}, false
	}
	return c.entries[rand.Intn(len(c.entries))].promo, true
}

// Len number of promotions
func (c *promotionCatalogImpl) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.entries)
}
