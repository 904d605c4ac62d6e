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

package common

import (
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventKind is the logical kind of a StreamEvent
type EventKind string

const (
	// EventKindStatusUpdate reservation status change relayed from the booking service
	EventKindStatusUpdate EventKind = "status-update"
	// EventKindPromotion promotion record
	EventKindPromotion EventKind = "promotion"
	// EventKindControl stream control message, e.g. the initial handshake
	EventKindControl EventKind = "control"
)

var (
	eventIDLock sync.Mutex
	eventIDSrc  = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a lexicographically increasing event ID
func NewEventID() string {
	eventIDLock.Lock()
	defer eventIDLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), eventIDSrc).String()
}

// StreamEvent one discrete frame pushed to a downstream subscriber
type StreamEvent struct {
	// ID is the event ID
	ID string `json:"id"`
	// Kind is the logical kind of the event
	Kind EventKind `json:"kind"`
	// Data is the JSON payload
	Data json.RawMessage `json:"data"`
}

// NewStreamEvent serialize a payload into a StreamEvent
func NewStreamEvent(kind EventKind, payload interface{}) (StreamEvent, error) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{ID: NewEventID(), Kind: kind, Data: serialized}, nil
}

// NewRawStreamEvent wrap an already serialized JSON payload into a StreamEvent
func NewRawStreamEvent(kind EventKind, payload []byte) (StreamEvent, error) {
	if !json.Valid(payload) {
		return StreamEvent{}, fmt.Errorf("payload is not valid JSON")
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	return StreamEvent{ID: NewEventID(), Kind: kind, Data: data}, nil
}

// String toString function
func (e StreamEvent) String() string {
	return fmt.Sprintf("%s[%s](%dB)", e.Kind, e.ID, len(e.Data))
}
