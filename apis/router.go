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
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// RouteParams the handlers and middleware to mount on the router
type RouteParams struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string
	// Management is the subscription and catalog handler
	Management APIRestManagementHandler
	// Streams is the downstream stream handler
	Streams APIRestStreamHandler
	// Limiter rate limits stream opens, optional
	Limiter *ClientRateLimiter
	// Metrics serves the prometheus metrics, optional
	Metrics http.Handler
}

// DefineRouter define the API router
func DefineRouter(params RouteParams) *mux.Router {
	limit := func(next http.HandlerFunc) http.HandlerFunc {
		if params.Limiter == nil {
			return next
		}
		return params.Limiter.Wrap(next)
	}

	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, params.PathPrefix, nil)

	mgmt := params.Management
	streams := params.Streams

	// Promotion routes
	_ = RegisterPathPrefix(mainRouter, "/v1/promotions/subscribe", MethodHandlers{
		"post": mgmt.SubscribeHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/promotions/unsubscribe", MethodHandlers{
		"post": mgmt.UnsubscribeHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/promotions/subscribers", MethodHandlers{
		"get": mgmt.ListSubscribersHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/promotions/broadcast", MethodHandlers{
		"post": mgmt.BroadcastHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/promotions/stream", MethodHandlers{
		"get": limit(streams.PromotionStreamHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/promotions/ws", MethodHandlers{
		"get": limit(streams.PromotionWebSocketHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/promotions", MethodHandlers{
		"get":  mgmt.ListPromotionsHandler(),
		"post": mgmt.AddPromotionHandler(),
	})

	// Reservation routes
	_ = RegisterPathPrefix(
		mainRouter, "/v1/reservations/{reservationID}/status", MethodHandlers{
			"get": limit(streams.ReservationStatusHandler()),
		},
	)
	_ = RegisterPathPrefix(mainRouter, "/v1/reservation-status", MethodHandlers{
		"get": limit(streams.ReservationStatusByQueryHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": mgmt.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": mgmt.ReadyHandler(),
	})

	if params.Metrics != nil {
		router.Handle("/metrics", params.Metrics).Methods("GET")
	}

	router.Use(mgmt.AttachRequestID)
	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(mgmt, next)
	})

	return router
}
