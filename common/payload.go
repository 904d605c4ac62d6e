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
	"strings"
	"time"
)

// ===============================================================================
// Reservation status

// PaymentState canonical payment status of a reservation
type PaymentState string

const (
	// PaymentPending payment not yet resolved
	PaymentPending PaymentState = "PENDING"
	// PaymentApproved payment approved
	PaymentApproved PaymentState = "APPROVED"
	// PaymentRefused payment refused
	PaymentRefused PaymentState = "REFUSED"
	// PaymentError booking service reported an error
	PaymentError PaymentState = "ERROR"
)

// ParsePaymentState normalize a raw status string. Matching is case-insensitive;
// unrecognized values are returned upper-cased as-is.
func ParsePaymentState(raw string) PaymentState {
	return PaymentState(strings.ToUpper(strings.TrimSpace(raw)))
}

// StatusDetail one status entry reported by the booking service
type StatusDetail struct {
	// Status is the status value
	Status string `json:"status" validate:"required"`
	// Message is the human readable description
	Message string `json:"message,omitempty"`
}

// ReservationStatusPayload canonical reservation status event
type ReservationStatusPayload struct {
	// PaymentStatus is the payment status
	PaymentStatus StatusDetail `json:"payment_status" validate:"required"`
	// TicketStatus is the ticket generation status, if reported
	TicketStatus *StatusDetail `json:"ticket_status,omitempty"`
}

// PaymentState return the normalized payment state
func (p ReservationStatusPayload) PaymentState() PaymentState {
	return ParsePaymentState(p.PaymentStatus.Status)
}

// looseStatusDetail accepts either `{"status": "..."}` or a bare string
type looseStatusDetail struct {
	StatusDetail
	present bool
}

func (d *looseStatusDetail) UnmarshalJSON(raw []byte) error {
	if string(raw) == "null" {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		d.Status = asString
		d.present = true
		return nil
	}
	var asObject StatusDetail
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return err
	}
	d.StatusDetail = asObject
	d.present = true
	return nil
}

// DecodeReservationStatus parse one upstream status frame into the canonical schema.
//
// Accepted shapes:
//   - {"payment_status": {"status": "...", "message": "..."}, "ticket_status": {...}}
//   - {"payment_status": "...", "ticket_status": "..."}
//   - {"status": "...", "message": "..."}
func DecodeReservationStatus(raw []byte) (ReservationStatusPayload, error) {
	var parsed struct {
		PaymentStatus looseStatusDetail `json:"payment_status"`
		TicketStatus  looseStatusDetail `json:"ticket_status"`
		Status        *string           `json:"status"`
		Message       string            `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ReservationStatusPayload{}, err
	}
	result := ReservationStatusPayload{}
	switch {
	case parsed.PaymentStatus.present:
		result.PaymentStatus = parsed.PaymentStatus.StatusDetail
	case parsed.Status != nil:
		result.PaymentStatus = StatusDetail{Status: *parsed.Status, Message: parsed.Message}
	default:
		return ReservationStatusPayload{}, fmt.Errorf("frame carries no payment status")
	}
	if len(strings.TrimSpace(result.PaymentStatus.Status)) == 0 {
		return ReservationStatusPayload{}, fmt.Errorf("frame carries an empty payment status")
	}
	result.PaymentStatus.Status = string(ParsePaymentState(result.PaymentStatus.Status))
	if parsed.TicketStatus.present {
		ticket := parsed.TicketStatus.StatusDetail
		ticket.Status = strings.ToUpper(strings.TrimSpace(ticket.Status))
		result.TicketStatus = &ticket
	}
	return result, nil
}

// ===============================================================================
// Promotion

// Promotion one promotion record
type Promotion struct {
	// ID is the promotion ID
	ID string `json:"id,omitempty" mapstructure:"id"`
	// Title is the promotion title
	Title string `json:"title" mapstructure:"title" validate:"required"`
	// Description is the promotion text
	Description string `json:"description,omitempty" mapstructure:"description"`
	// Destination is the harbor the promoted cruise goes to
	Destination string `json:"destination,omitempty" mapstructure:"destination"`
	// ItineraryID is the promoted itinerary
	ItineraryID string `json:"itinerary_id,omitempty" mapstructure:"itinerary_id"`
	// Discount is the discount in percent
	Discount int `json:"discount" mapstructure:"discount" validate:"gte=0,lte=100"`
	// ExpiresInHours is how long the offer remains valid
	ExpiresInHours int `json:"expires_in" mapstructure:"expires_in" validate:"gte=0"`
	// OriginalPrice is the price before the discount
	OriginalPrice float64 `json:"original_price" mapstructure:"original_price" validate:"gte=0"`
	// DiscountedPrice is the price after the discount
	DiscountedPrice float64 `json:"discounted_price" mapstructure:"discounted_price" validate:"gte=0"`
	// DepartureDate is the cruise departure date (YYYY-MM-DD)
	DepartureDate string `json:"departure_date,omitempty" mapstructure:"departure_date"`
	// Timestamp is when the promotion was generated
	Timestamp *time.Time `json:"timestamp,omitempty" mapstructure:"-"`
}

// String toString function
func (p Promotion) String() string {
	return fmt.Sprintf("PROMO[%s '%s' -%d%%]", p.ID, p.Title, p.Discount)
}

// AsMap convert the promotion into a generic map, as seen by subscriber filters
func (p Promotion) AsMap() (map[string]interface{}, error) {
	serialized, err := json.Marshal(&p)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	return result, json.Unmarshal(serialized, &result)
}

// ===============================================================================
// Control

// ConnectionEstablishedMsg handshake message sent when a stream is opened
const ConnectionEstablishedMsg = "SSE connection established."

// ControlMessage stream control payload
type ControlMessage struct {
	// Message is the human readable message
	Message string `json:"message,omitempty"`
	// State is the terminal state being reported, if any
	State string `json:"state,omitempty"`
}
