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
	"fmt"
	"sync"

	"github.com/alwitt/cruisecast/common"
)

// ReservationState state of a reservation status watch
type ReservationState string

const (
	// StatePending payment not yet resolved
	StatePending ReservationState = "PENDING"
	// StateApproved payment approved
	StateApproved ReservationState = "APPROVED"
	// StateRefused payment refused
	StateRefused ReservationState = "REFUSED"
	// StateError booking service reported an error
	StateError ReservationState = "ERROR"
	// StateTimeout no final status within the watch duration
	StateTimeout ReservationState = "TIMEOUT"
)

// Terminal whether the state ends the watch
func (s ReservationState) Terminal() bool {
	return s != StatePending
}

// ReservationStatusMachine tracks the state of one reservation status watch.
//
// PENDING moves to APPROVED, REFUSED or ERROR on the matching payment status, and
// to TIMEOUT through the watchdog. Any other payment status keeps PENDING and only
// updates the message. Terminal states are final.
type ReservationStatusMachine struct {
	lock    sync.Mutex
	state   ReservationState
	message string
	ticket  *common.StatusDetail
}

// NewReservationStatusMachine define a new machine in PENDING
func NewReservationStatusMachine() *ReservationStatusMachine {
	return &ReservationStatusMachine{state: StatePending}
}

// Apply feed one status update. Returns the state after the update, and whether this
// update changed the machine. Updates after a terminal state are ignored.
func (m *ReservationStatusMachine) Apply(update common.ReservationStatusPayload) (ReservationState, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state.Terminal() {
		return m.state, false
	}
	switch update.PaymentState() {
	case common.PaymentApproved:
		m.state = StateApproved
	case common.PaymentRefused:
		m.state = StateRefused
	case common.PaymentError:
		m.state = StateError
	}
	m.message = update.PaymentStatus.Message
	if update.TicketStatus != nil {
		ticket := *update.TicketStatus
		m.ticket = &ticket
	}
	return m.state, true
}

// Timeout move to TIMEOUT unless already terminal. Returns whether the state changed.
func (m *ReservationStatusMachine) Timeout() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state.Terminal() {
		return false
	}
	m.state = StateTimeout
	m.message = "no final reservation status received in time"
	return true
}

// State the current state
func (m *ReservationStatusMachine) State() ReservationState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Message the last status message
func (m *ReservationStatusMachine) Message() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.message
}

// Ticket the last reported ticket status
func (m *ReservationStatusMachine) Ticket() *common.StatusDetail {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.ticket
}

// String toString function
func (m *ReservationStatusMachine) String() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return fmt.Sprintf("%s '%s'", m.state, m.message)
}
