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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/dataplane"
	"github.com/alwitt/cruisecast/management"
	"github.com/alwitt/cruisecast/registry"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestManagementHandler REST handler for subscription and catalog management
type APIRestManagementHandler struct {
	restHandler
	intents            management.SubscriptionIntentStore
	catalog            management.PromotionCatalog
	scheduler          dataplane.BroadcastScheduler
	connections        registry.ConnectionRegistry
	closeOnUnsubscribe bool
	rootCtxt           context.Context
	validate           *validator.Validate
}

// GetAPIRestManagementHandler define APIRestManagementHandler
func GetAPIRestManagementHandler(
	rootCtxt context.Context,
	instance string,
	httpConfig common.HTTPConfig,
	intents management.SubscriptionIntentStore,
	catalog management.PromotionCatalog,
	scheduler dataplane.BroadcastScheduler,
	connections registry.ConnectionRegistry,
	closeOnUnsubscribe bool,
) (APIRestManagementHandler, error) {
	if intents == nil || catalog == nil || connections == nil {
		return APIRestManagementHandler{}, errors.New("management handler is missing components")
	}
	return APIRestManagementHandler{
		restHandler:        defineRestHandler("apis", "management", instance, httpConfig),
		intents:            intents,
		catalog:            catalog,
		scheduler:          scheduler,
		connections:        connections,
		closeOnUnsubscribe: closeOnUnsubscribe,
		rootCtxt:           rootCtxt,
		validate:           validator.New(),
	}, nil
}

// =======================================================================
// Subscription intents

// -----------------------------------------------------------------------

// APIRestReqSubscribe subscribe request
type APIRestReqSubscribe struct {
	// Email is the subscriber key
	Email string `json:"email" validate:"required"`
	// Filter is an optional promotion filter expression
	Filter string `json:"filter,omitempty"`
}

// APIRestRespSubscriber response carrying one subscription intent
type APIRestRespSubscriber struct {
	goutils.RestAPIBaseResponse
	// Subscriber is the recorded intent
	Subscriber management.SubscriptionIntent `json:"subscriber"`
}

// Subscribe godoc
// @Summary Subscribe to promotions
// @Description Record the promotion opt-in of a subscriber. Subscribing again replaces
// the filter.
// @tags Management
// @Accept json
// @Produce json
// @Param Cruisecast-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriber body APIRestReqSubscribe true "Subscriber key and filter"
// @Success 200 {object} APIRestRespSubscriber "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/promotions/subscribe [post]
func (h APIRestManagementHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r.Context(), respCode, respBody)
	}()

	var params APIRestReqSubscribe
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.failure(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.failure(r.Context(), respCode, msg, err.Error())
		return
	}

	intent, err := h.intents.Subscribe(params.Email, params.Filter)
	if err != nil {
		msg := "Unable to subscribe"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorStatus(err)
		respBody = h.failure(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscriber{RestAPIBaseResponse: h.success(r.Context()), Subscriber: intent}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestManagementHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqUnsubscribe unsubscribe request
type APIRestReqUnsubscribe struct {
	// Email is the subscriber key
	Email string `json:"email" validate:"required"`
}

// Unsubscribe godoc
// @Summary Unsubscribe from promotions
// @Description Remove the promotion opt-in of a subscriber. An open promotion stream is
// closed at the next broadcast, or immediately if so configured.
// @tags Management
// @Accept json
// @Produce json
// @Param Cruisecast-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriber body APIRestReqUnsubscribe true "Subscriber key"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/promotions/unsubscribe [post]
func (h APIRestManagementHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r.Context(), respCode, respBody)
	}()

	var params APIRestReqUnsubscribe
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.failure(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.failure(r.Context(), respCode, msg, err.Error())
		return
	}

	if err := h.intents.Unsubscribe(params.Email); err != nil {
		msg := "Unable to unsubscribe"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorStatus(err)
		respBody = h.failure(r.Context(), respCode, msg, err.Error())
		return
	}

	if h.closeOnUnsubscribe {
		if handle, ok := h.connections.Unregister(params.Email); ok {
			log.WithFields(localLogTags).Infof("Closed promotion stream %s", handle)
		}
	}

	respCode = http.StatusOK
	respBody = h.success(r.Context())
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestManagementHandler) UnsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Unsubscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespSubscribers response listing all subscription intents
type APIRestRespSubscribers struct {
	goutils.RestAPIBaseResponse
	// Subscribers the recorded intents
	Subscribers []management.SubscriptionIntent `json:"subscribers"`
}

// ListSubscribers godoc
// @Summary List subscribers
// @Description List every recorded promotion opt-in
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespSubscribers "success"
// @Router /v1/promotions/subscribers [get]
func (h APIRestManagementHandler) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r.Context(), http.StatusOK, APIRestRespSubscribers{
		RestAPIBaseResponse: h.success(r.Context()), Subscribers: h.intents.List(),
	})
}

// ListSubscribersHandler Wrapper around ListSubscribers
func (h APIRestManagementHandler) ListSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListSubscribers(w, r)
	}
}

// =======================================================================
// Promotion catalog

// -----------------------------------------------------------------------

// APIRestRespPromotions response listing promotions
type APIRestRespPromotions struct {
	goutils.RestAPIBaseResponse
	// Promotions the catalog content
	Promotions []common.Promotion `json:"promotions"`
}

// ListPromotions godoc
// @Summary List promotions
// @Description List the promotion catalog content
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespPromotions "success"
// @Router /v1/promotions [get]
func (h APIRestManagementHandler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r.Context(), http.StatusOK, APIRestRespPromotions{
		RestAPIBaseResponse: h.success(r.Context()), Promotions: h.catalog.List(),
	})
}

// ListPromotionsHandler Wrapper around ListPromotions
func (h APIRestManagementHandler) ListPromotionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListPromotions(w, r)
	}
}

// -----------------------------------------------------------------------

// AddPromotion godoc
// @Summary Add a promotion
// @Description Add or replace one promotion in the catalog
// @tags Management
// @Accept json
// @Produce json
// @Param promotion body common.Promotion true "Promotion"
// @Success 200 {object} APIRestRespPromotions "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/promotions [post]
func (h APIRestManagementHandler) AddPromotion(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r.Context(), respCode, respBody)
	}()

	var promo common.Promotion
	if err := json.NewDecoder(r.Body).Decode(&promo); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.failure(r.Context(), respCode, msg, err.Error())
		return
	}

	stored, err := h.catalog.Add(management.SourceManual, promo)
	if err != nil {
		msg := "Invalid promotion"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.failure(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPromotions{
		RestAPIBaseResponse: h.success(r.Context()), Promotions: []common.Promotion{stored},
	}
}

// AddPromotionHandler Wrapper around AddPromotion
func (h APIRestManagementHandler) AddPromotionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.AddPromotion(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespBroadcast response to a manual broadcast
type APIRestRespBroadcast struct {
	goutils.RestAPIBaseResponse
	// Report is the outcome of the broadcast
	Report dataplane.TickReport `json:"report"`
}

// Broadcast godoc
// @Summary Broadcast a promotion now
// @Description Send one random promotion to every open promotion stream
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespBroadcast "success"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/promotions/broadcast [post]
func (h APIRestManagementHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	if h.scheduler == nil {
		msg := "Promotions are relayed from upstream"
		log.WithFields(localLogTags).Warn(msg)
		h.reply(w, r.Context(), http.StatusConflict, h.failure(
			r.Context(), http.StatusConflict, msg, "no broadcast scheduler",
		))
		return
	}
	report, err := h.scheduler.Tick()
	if err != nil {
		msg := "Broadcast failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r.Context(), errorStatus(err), h.failure(
			r.Context(), errorStatus(err), msg, err.Error(),
		))
		return
	}
	h.reply(w, r.Context(), http.StatusOK, APIRestRespBroadcast{
		RestAPIBaseResponse: h.success(r.Context()), Report: report,
	})
}

// BroadcastHandler Wrapper around Broadcast
func (h APIRestManagementHandler) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Broadcast(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r.Context(), http.StatusOK, h.success(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the server is accepting streams
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.rootCtxt.Done():
		msg := "not ready"
		h.reply(w, r.Context(), http.StatusServiceUnavailable, h.failure(
			r.Context(), http.StatusServiceUnavailable, msg, "shutting down",
		))
	default:
		h.reply(w, r.Context(), http.StatusOK, h.success(r.Context()))
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
