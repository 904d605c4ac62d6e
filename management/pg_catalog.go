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
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/apex/log"
	// PostgreSQL driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	queryDestinations = `SELECT DISTINCT arrival_harbor FROM itineraries`
	queryItinerary    = `SELECT id, ship, departure_date, price FROM itineraries
WHERE LOWER(arrival_harbor) = LOWER($1) ORDER BY RANDOM() LIMIT 1`
)

// OpenItineraryDB open the itinerary database
func OpenItineraryDB(ctxt context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctxt); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ItineraryPromotionSource generates promotions from the cruise itinerary database
type ItineraryPromotionSource interface {
	// Refresh generate a new batch of promotions, replacing the previous batch in the
	// catalog
	Refresh(ctxt context.Context) error
	// Start refresh the catalog periodically
	Start(interval time.Duration) error
	// Stop stop the periodic refresh
	Stop() error
}

// itineraryPromotionSourceImpl implements ItineraryPromotionSource
type itineraryPromotionSourceImpl struct {
	common.Component
	db         *sql.DB
	catalog    PromotionCatalog
	perRefresh int
	timer      common.IntervalTimer
	ctxt       context.Context
	rng        *rand.Rand
	rngLock    sync.Mutex
}

// GetItineraryPromotionSource define a new ItineraryPromotionSource
func GetItineraryPromotionSource(
	ctxt context.Context,
	instance string,
	db *sql.DB,
	catalog PromotionCatalog,
	perRefresh int,
	wg *sync.WaitGroup,
) (ItineraryPromotionSource, error) {
	logTags := log.Fields{
		"module": "management", "component": "itinerary-promotions", "instance": instance,
	}
	if perRefresh < 1 {
		return nil, fmt.Errorf("promotions per refresh must be positive: %d", perRefresh)
	}
	timer, err := common.GetIntervalTimerInstance(instance, ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &itineraryPromotionSourceImpl{
		Component:  common.Component{LogTags: logTags},
		db:         db,
		catalog:    catalog,
		perRefresh: perRefresh,
		timer:      timer,
		ctxt:       ctxt,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// randInt uniform integer in [low, high]
func (s *itineraryPromotionSourceImpl) randInt(low, high int) int {
	s.rngLock.Lock()
	defer s.rngLock.Unlock()
	return low + s.rng.Intn(high-low+1)
}

// destinations fetch the distinct arrival harbors
func (s *itineraryPromotionSourceImpl) destinations(ctxt context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctxt, queryDestinations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []string{}
	for rows.Next() {
		var harbor string
		if err := rows.Scan(&harbor); err != nil {
			return nil, err
		}
		result = append(result, harbor)
	}
	return result, rows.Err()
}

// generate build one promotion for a destination. Returns nil when the destination
// has no itinerary.
func (s *itineraryPromotionSourceImpl) generate(
	ctxt context.Context, destination string,
) (*common.Promotion, error) {
	var id int64
	var ship sql.NullString
	var departure time.Time
	var price float64
	err := s.db.QueryRowContext(ctxt, queryItinerary, destination).Scan(
		&id, &ship, &departure, &price,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	discount := s.randInt(10, 40)
	expiresIn := s.randInt(1, 24)
	now := time.Now().UTC()
	shipName := ship.String
	if shipName == "" {
		shipName = "our fleet"
	}
	return &common.Promotion{
		ID:              fmt.Sprintf("itinerary-%d-%s", id, common.NewEventID()),
		Title:           fmt.Sprintf("Special Offer to %s!", destination),
		Description:     fmt.Sprintf("Limited time cruise deal to %s on %s", destination, shipName),
		Destination:     destination,
		ItineraryID:     strconv.FormatInt(id, 10),
		Discount:        discount,
		ExpiresInHours:  expiresIn,
		OriginalPrice:   price,
		DiscountedPrice: math.Round(price*float64(100-discount)) / 100,
		DepartureDate:   departure.Format("2006-01-02"),
		Timestamp:       &now,
	}, nil
}

// Refresh generate a new batch of promotions
func (s *itineraryPromotionSourceImpl) Refresh(ctxt context.Context) error {
	destinations, err := s.destinations(ctxt)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to list destinations")
		return err
	}
	if len(destinations) == 0 {
		log.WithFields(s.LogTags).Warn("No destinations in the itinerary database")
		return nil
	}
	promos := []common.Promotion{}
	for i := 0; i < s.perRefresh; i++ {
		destination := strings.TrimSpace(destinations[s.randInt(0, len(destinations)-1)])
		promo, err := s.generate(ctxt, destination)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to read itinerary for %s", destination,
			)
			return err
		}
		if promo == nil {
			log.WithFields(s.LogTags).Warnf("No itinerary for %s", destination)
			continue
		}
		log.WithFields(s.LogTags).Debugf("Generated %s", promo)
		promos = append(promos, *promo)
	}
	return s.catalog.Replace(SourceItinerary, promos)
}

// Start refresh the catalog periodically
func (s *itineraryPromotionSourceImpl) Start(interval time.Duration) error {
	if err := s.Refresh(s.ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Initial refresh failed")
	}
	return s.timer.Start(interval, func() error {
		return s.Refresh(s.ctxt)
	}, false)
}

// Stop stop the periodic refresh
func (s *itineraryPromotionSourceImpl) Stop() error {
	return s.timer.Stop()
}
