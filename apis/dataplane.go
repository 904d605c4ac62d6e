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

package apis

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/dataplane"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// NDJSONContentType Accept value selecting newline delimited JSON frames
const NDJSONContentType = "application/x-ndjson"

// APIRestStreamHandler REST handler for the downstream streams
type APIRestStreamHandler struct {
	restHandler
	streams        dataplane.StreamManager
	upgrader       websocket.Upgrader
	wsWriteTimeout time.Duration
}

// GetAPIRestStreamHandler define APIRestStreamHandler
func GetAPIRestStreamHandler(
	instance string,
	httpConfig common.HTTPConfig,
	streams dataplane.StreamManager,
	wsWriteTimeout time.Duration,
) (APIRestStreamHandler, error) {
	if streams == nil {
		return APIRestStreamHandler{}, errors.New("stream handler requires a stream manager")
	}
	if wsWriteTimeout <= 0 {
		wsWriteTimeout = time.Second * 10
	}
	return APIRestStreamHandler{
		restHandler: defineRestHandler("apis", "streams", instance, httpConfig),
		streams:     streams,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		wsWriteTimeout: wsWriteTimeout,
	}, nil
}

// defineSink pick the frame encoding requested by the client
func defineSink(w http.ResponseWriter, r *http.Request) (dataplane.EventSink, error) {
	if strings.Contains(r.Header.Get("Accept"), NDJSONContentType) {
		return dataplane.NewNDJSONSink(w)
	}
	return dataplane.NewSSESink(w)
}

// finishStream report the outcome of a stream. Failures before the stream preamble was
// written are returned as REST errors, later ones are only logged.
func (h APIRestStreamHandler) finishStream(
	w http.ResponseWriter, r *http.Request, sink dataplane.EventSink, err error, msg string,
) {
	localLogTags := h.logTags(r.Context())
	if err == nil {
		log.WithFields(localLogTags).Debug("Stream ended")
		return
	}
	if errors.Is(err, context.Canceled) {
		log.WithFields(localLogTags).Info("Stream cancelled")
		return
	}
	if sink != nil && sink.Opened() {
		log.WithError(err).WithFields(localLogTags).Error(msg)
		return
	}
	log.WithError(err).WithFields(localLogTags).Error(msg)
	respCode := errorStatus(err)
	h.reply(w, r.Context(), respCode, h.failure(r.Context(), respCode, msg, err.Error()))
}

// =======================================================================
// Promotion streams

// -----------------------------------------------------------------------

// PromotionStream godoc
// @Summary Open a promotion stream
// @Description Long lived stream of promotions for one subscriber. Uses server sent
// events, or newline delimited JSON when the client accepts application/x-ndjson. A newer
// stream for the same subscriber replaces this one.
// @tags Streams
// @Produce text/event-stream
// @Produce application/x-ndjson
// @Param Cruisecast-Request-ID header string false "User provided request ID to match against logs"
// @Param email query string true "Subscriber key"
// @Success 200 {object} common.StreamEvent "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/promotions/stream [get]
func (h APIRestStreamHandler) PromotionStream(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("email")
	sink, err := defineSink(w, r)
	if err != nil {
		h.finishStream(w, r, nil, err, "Streaming not supported")
		return
	}
	err = h.streams.ServePromotions(r.Context(), key, sink)
	h.finishStream(w, r, sink, err, "Promotion stream failed")
}

// PromotionStreamHandler Wrapper around PromotionStream
func (h APIRestStreamHandler) PromotionStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PromotionStream(w, r)
	}
}

// -----------------------------------------------------------------------

// PromotionWebSocket godoc
// @Summary Open a promotion stream over WebSocket
// @Description Same as the promotion stream, with each event sent as one JSON text
// message.
// @tags Streams
// @Param email query string true "Subscriber key"
// @Success 101 {object} common.StreamEvent "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/promotions/ws [get]
func (h APIRestStreamHandler) PromotionWebSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	key := r.URL.Query().Get("email")
	if err := common.ValidateSubscriberKey(key); err != nil {
		h.finishStream(w, r, nil, err, "Invalid subscriber key")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already responded
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	sink := dataplane.NewWebSocketSink(conn, h.wsWriteTimeout, localLogTags)
	defer func() {
		if err := sink.Close(); err != nil {
			log.WithError(err).WithFields(localLogTags).Debug("WebSocket close")
		}
	}()
	err = h.streams.ServePromotions(r.Context(), key, sink)
	h.finishStream(w, r, sink, err, "Promotion WebSocket stream failed")
}

// PromotionWebSocketHandler Wrapper around PromotionWebSocket
func (h APIRestStreamHandler) PromotionWebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PromotionWebSocket(w, r)
	}
}

// =======================================================================
// Reservation status streams

// -----------------------------------------------------------------------

// serveStatus stream the status of one reservation
func (h APIRestStreamHandler) serveStatus(
	w http.ResponseWriter, r *http.Request, reservationID string,
) {
	sink, err := defineSink(w, r)
	if err != nil {
		h.finishStream(w, r, nil, err, "Streaming not supported")
		return
	}
	err = h.streams.ServeStatus(r.Context(), reservationID, sink)
	h.finishStream(w, r, sink, err, "Reservation status stream failed")
}

// ReservationStatus godoc
// @Summary Watch a reservation status
// @Description Stream the status of a reservation until it is approved, refused, or the
// watch times out.
// @tags Streams
// @Produce text/event-stream
// @Produce application/x-ndjson
// @Param Cruisecast-Request-ID header string false "User provided request ID to match against logs"
// @Param reservationID path string true "Reservation ID"
// @Success 200 {object} common.StreamEvent "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/reservations/{reservationID}/status [get]
func (h APIRestStreamHandler) ReservationStatus(w http.ResponseWriter, r *http.Request) {
	h.serveStatus(w, r, mux.Vars(r)["reservationID"])
}

// ReservationStatusHandler Wrapper around ReservationStatus
func (h APIRestStreamHandler) ReservationStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReservationStatus(w, r)
	}
}

// ReservationStatusByQuery godoc
// @Summary Watch a reservation status
// @Description Same as /v1/reservations/{reservationID}/status
// @tags Streams
// @Param reservation_id query string true "Reservation ID"
// @Router /v1/reservation-status [get]
func (h APIRestStreamHandler) ReservationStatusByQuery(w http.ResponseWriter, r *http.Request) {
	h.serveStatus(w, r, r.URL.Query().Get("reservation_id"))
}

// ReservationStatusByQueryHandler Wrapper around ReservationStatusByQuery
func (h APIRestStreamHandler) ReservationStatusByQueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReservationStatusByQuery(w, r)
	}
}
