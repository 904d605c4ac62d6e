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

package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/cruisecast/apis"
	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/dataplane"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// WatchParams reservation watch parameters
type WatchParams struct {
	// ServerURL is the base URL of the proxy server
	ServerURL string `validate:"required,url"`
	// ReservationID is the reservation to watch
	ReservationID string `validate:"required"`
	// Timeout is how long to wait for a final status
	Timeout time.Duration `validate:"gt=0"`
}

// printState report the watch state
func printState(out io.Writer, machine *dataplane.ReservationStatusMachine) {
	line := string(machine.State())
	if msg := machine.Message(); msg != "" {
		line = fmt.Sprintf("%s: %s", line, msg)
	}
	if ticket := machine.Ticket(); ticket != nil {
		line = fmt.Sprintf("%s (ticket %s)", line, ticket.Status)
	}
	fmt.Fprintln(out, line)
}

// WatchReservation follow the status of a reservation through the proxy server until it
// reaches a final state, or the timeout expires. Each state change is written to out.
func WatchReservation(
	ctxt context.Context, params WatchParams, out io.Writer,
) (dataplane.ReservationState, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "reservation-watch",
		"instance":  params.ReservationID,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid watch parameters")
		return "", err
	}

	machine := dataplane.NewReservationStatusMachine()
	watchCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()

	target := fmt.Sprintf(
		"%s/v1/reservations/%s/status",
		strings.TrimRight(params.ServerURL, "/"), url.PathEscape(params.ReservationID),
	)
	req, err := http.NewRequestWithContext(watchCtxt, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", apis.NDJSONContentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to reach %s", target)
		return "", fmt.Errorf("%w: %s", common.ErrConnect, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf(
			"%w: status %d: %s", common.ErrConnect, resp.StatusCode, strings.TrimSpace(string(body)),
		)
	}

	frames := make(chan common.StreamEvent)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
		for scanner.Scan() {
			var event common.StreamEvent
			if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Skipping unparsable frame")
				continue
			}
			select {
			case frames <- event:
			case <-watchCtxt.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	deadline := time.NewTimer(params.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctxt.Done():
			return machine.State(), ctxt.Err()

		case <-deadline.C:
			if machine.Timeout() {
				printState(out, machine)
			}
			return machine.State(), nil

		case event, ok := <-frames:
			if !ok {
				var err error
				select {
				case err = <-readErr:
				default:
				}
				if err == nil {
					err = fmt.Errorf("stream ended before a final status")
				}
				return machine.State(), fmt.Errorf("%w: %s", common.ErrUpstreamStream, err.Error())
			}
			switch event.Kind {
			case common.EventKindStatusUpdate:
				payload, err := common.DecodeReservationStatus(event.Data)
				if err != nil {
					log.WithError(err).WithFields(logTags).Error("Bad status frame")
					continue
				}
				if _, changed := machine.Apply(payload); changed {
					printState(out, machine)
				}
			case common.EventKindControl:
				var msg common.ControlMessage
				if err := json.Unmarshal(event.Data, &msg); err != nil {
					continue
				}
				if msg.State == string(dataplane.StateTimeout) && machine.Timeout() {
					printState(out, machine)
				}
			}
			if machine.State().Terminal() {
				return machine.State(), nil
			}
		}
	}
}
