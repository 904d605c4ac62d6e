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
	"testing"

	"github.com/alwitt/cruisecast/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestPromotionCatalog(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: empty catalog
	uut := GetPromotionCatalog("testing", false)
	{
		assert.Equal(0, uut.Len())
		_, ok := uut.Random()
		assert.False(ok)
	}

	// Case 1: invalid promotion
	{
		_, err := uut.Add(SourceManual, common.Promotion{Discount: 10})
		assert.NotNil(err)
		_, err = uut.Add(SourceManual, common.Promotion{Title: "x", Discount: 120})
		assert.NotNil(err)
		assert.Equal(0, uut.Len())
	}

	// Case 2: add assigns an ID
	var added common.Promotion
	{
		var err error
		added, err = uut.Add(SourceManual, common.Promotion{Title: "Weekend", Discount: 5})
		assert.Nil(err)
		assert.NotEmpty(added.ID)
		picked, ok := uut.Random()
		assert.True(ok)
		assert.Equal(added.ID, picked.ID)
	}

	// Case 3: add with existing ID updates
	{
		added.Discount = 7
		_, err := uut.Add(SourceManual, added)
		assert.Nil(err)
		assert.Equal(1, uut.Len())
		assert.Equal(7, uut.List()[0].Discount)
	}

	// Case 4: replace only touches one source
	{
		assert.Nil(uut.Replace(SourceItinerary, []common.Promotion{
			{ID: "it-1", Title: "one"}, {ID: "it-2", Title: "two"},
		}))
		assert.Equal(3, uut.Len())
		assert.Nil(uut.Replace(SourceItinerary, []common.Promotion{{ID: "it-3", Title: "three"}}))
		assert.Equal(2, uut.Len())
		ids := []string{}
		for _, promo := range uut.List() {
			ids = append(ids, promo.ID)
		}
		assert.Contains(ids, added.ID)
		assert.Contains(ids, "it-3")
		assert.NotContains(ids, "it-1")
	}

	// Case 5: replace with an invalid entry changes nothing
	{
		assert.NotNil(uut.Replace(SourceItinerary, []common.Promotion{{ID: "bad"}}))
		assert.Equal(2, uut.Len())
	}

	// Case 6: default seeding, random covers the set
	{
		seeded := GetPromotionCatalog("testing", true)
		assert.Equal(len(DefaultPromotions()), seeded.Len())
		seen := map[string]bool{}
		for i := 0; i < 400; i++ {
			picked, ok := seeded.Random()
			assert.True(ok)
			seen[picked.ID] = true
		}
		assert.Len(seen, len(DefaultPromotions()))
	}
}
