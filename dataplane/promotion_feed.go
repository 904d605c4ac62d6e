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
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/core"
	"github.com/alwitt/cruisecast/management"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// DefaultFeedRetention number of feed promotions kept in the catalog
const DefaultFeedRetention = 32

// PromotionFeed ingests promotions published on a NATS subject into the catalog
type PromotionFeed interface {
	// StartReading begin reading promotions
	StartReading(wg *sync.WaitGroup) error
	// Ingest decode one published promotion and store it in the catalog
	Ingest(subject string, data []byte) (common.Promotion, error)
}

// promotionFeedImpl implements PromotionFeed
type promotionFeedImpl struct {
	common.Component
	sub       *nats.Subscription
	catalog   management.PromotionCatalog
	retention int
	recent    []common.Promotion
	reading   bool
	lock      sync.Mutex
	ctxt      context.Context
}

// GetPromotionFeed define a new PromotionFeed. natsClient may be nil when the feed
// is only used through Ingest.
func GetPromotionFeed(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subject string,
	catalog management.PromotionCatalog,
	retention int,
) (PromotionFeed, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "promotion-feed", "subject": subject,
	}
	logTags, err := common.UpdateLogTags(ctxt, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to update logtags")
		return nil, err
	}
	if retention < 1 {
		retention = DefaultFeedRetention
	}
	var sub *nats.Subscription
	if natsClient != nil {
		sub, err = natsClient.Conn().SubscribeSync(subject)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
			return nil, err
		}
	}
	return &promotionFeedImpl{
		Component: common.Component{LogTags: logTags},
		sub:       sub,
		catalog:   catalog,
		retention: retention,
		recent:    []common.Promotion{},
		ctxt:      ctxt,
	}, nil
}

// destinationFromSubject derive a destination from the last subject token, e.g.
// "promotions.san_juan" gives "San Juan"
func destinationFromSubject(subject string) string {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 2 {
		return ""
	}
	words := strings.Fields(strings.ReplaceAll(tokens[len(tokens)-1], "_", " "))
	for idx, word := range words {
		first, size := utf8.DecodeRuneInString(word)
		words[idx] = string(unicode.ToUpper(first)) + word[size:]
	}
	return strings.Join(words, " ")
}

// Ingest decode one published promotion and store it in the catalog
func (f *promotionFeedImpl) Ingest(subject string, data []byte) (common.Promotion, error) {
	var promo common.Promotion
	if err := json.Unmarshal(data, &promo); err != nil {
		// Some publishers send "expires_in" as "N hours"
		var loose map[string]interface{}
		if jerr := json.Unmarshal(data, &loose); jerr != nil {
			return common.Promotion{}, err
		}
		if raw, ok := loose["expires_in"].(string); ok {
			var hours int
			if _, serr := fmt.Sscanf(raw, "%d", &hours); serr == nil {
				loose["expires_in"] = hours
			}
		}
		if raw, ok := loose["itinerary_id"].(float64); ok {
			loose["itinerary_id"] = fmt.Sprintf("%d", int64(raw))
		}
		delete(loose, "timestamp")
		reencoded, jerr := json.Marshal(loose)
		if jerr != nil {
			return common.Promotion{}, jerr
		}
		if err := json.Unmarshal(reencoded, &promo); err != nil {
			return common.Promotion{}, err
		}
	}
	if promo.Destination == "" {
		promo.Destination = destinationFromSubject(subject)
	}
	if promo.ID == "" {
		promo.ID = common.NewEventID()
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	updated := append(f.recent, promo)
	if len(updated) > f.retention {
		updated = updated[len(updated)-f.retention:]
	}
	if err := f.catalog.Replace(management.SourceFeed, updated); err != nil {
		return common.Promotion{}, err
	}
	f.recent = updated
	log.WithFields(f.LogTags).Debugf("Ingested %s", promo)
	return promo, nil
}

// StartReading begin reading promotions
func (f *promotionFeedImpl) StartReading(wg *sync.WaitGroup) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.sub == nil {
		return fmt.Errorf("no subscription defined")
	}
	if f.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(f.LogTags).Error("Unable to start reading")
		return err
	}
	f.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(f.LogTags).Infof("Starting reading promotions")
		defer log.WithFields(f.LogTags).Infof("Stopping promotion read loop")
		defer func() {
			if err := f.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(f.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			msg, err := f.sub.NextMsgWithContext(f.ctxt)
			if err != nil {
				if f.ctxt.Err() == nil {
					log.WithError(err).WithFields(f.LogTags).Errorf("Read failure")
				}
				return
			}
			if msg == nil {
				continue
			}
			if _, err := f.Ingest(msg.Subject, msg.Data); err != nil {
				log.WithError(err).WithFields(f.LogTags).Errorf(
					"Dropping bad promotion on %s", msg.Subject,
				)
			}
		}
	}()
	return nil
}
