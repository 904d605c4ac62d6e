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
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// restHandler base REST handler
//
// Standard responses are built with goutils, while request scoped log tags come from the
// common.RequestParam attached by AttachRequestID.
type restHandler struct {
	goutils.RestAPIHandler
	base            common.Component
	requestIDHeader string
}

// defineRestHandler define the base REST handler of a module
func defineRestHandler(
	module, component, instance string, httpConfig common.HTTPConfig,
) restHandler {
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	if requestIDHeader == "" {
		requestIDHeader = "Cruisecast-Request-ID"
	}
	logTags := log.Fields{
		"module":    module,
		"component": component,
		"instance":  instance,
	}
	return restHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		base:            common.Component{LogTags: logTags},
		requestIDHeader: requestIDHeader,
	}
}

// logTags the handler log tags extended with the request parameters
func (h restHandler) logTags(ctxt context.Context) log.Fields {
	return h.base.GetLogTagsForContext(ctxt)
}

// requestID the request ID attached to the context
func requestID(ctxt context.Context) string {
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return v.ID
	}
	return ""
}

// success standard success response
func (h restHandler) success(ctxt context.Context) goutils.RestAPIBaseResponse {
	return goutils.RestAPIBaseResponse{Success: true, RequestID: requestID(ctxt)}
}

// failure standard error response
func (h restHandler) failure(
	ctxt context.Context, code int, msg string, detail string,
) interface{} {
	resp := h.GetStdRESTErrorMsg(ctxt, code, msg, detail)
	resp.RequestID = requestID(ctxt)
	return resp
}

// reply write a REST response
func (h restHandler) reply(
	w http.ResponseWriter, ctxt context.Context, respCode int, resp interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(h.logTags(ctxt)).Error("Failed to form response")
	}
}

// Write logging support
func (h restHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.base.LogTags).Infof("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h restHandler) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		rw.Header().Set(h.requestIDHeader, reqID)
		ctxt := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		next.ServeHTTP(rw, r.WithContext(ctxt))
	})
}

// errorStatus map an operation error to the HTTP response code
func errorStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidKey), errors.Is(err, common.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNotSubscribed):
		return http.StatusNotFound
	case errors.Is(err, common.ErrConnect):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ========================================================================================

// ClientRateLimiter token-bucket rate limit per client IP
type ClientRateLimiter struct {
	common.Component
	perSecond         rate.Limit
	burst             int
	trustForwardedFor bool
	ttl               time.Duration
	lock              sync.Mutex
	buckets           map[string]*clientBucket
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter define a per client rate limiter. A perSecond of zero disables
// the limit. X-Forwarded-For is only used to identify clients if trustForwardedFor is set.
func NewClientRateLimiter(
	instance string, perSecond float64, burst int, trustForwardedFor bool,
) *ClientRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "apis", "component": "rate-limiter", "instance": instance,
			},
		},
		perSecond:         rate.Limit(perSecond),
		burst:             burst,
		trustForwardedFor: trustForwardedFor,
		ttl:               time.Minute * 5,
		buckets:           make(map[string]*clientBucket),
	}
}

// Allow whether the client may proceed now
func (l *ClientRateLimiter) Allow(client string) bool {
	if l.perSecond <= 0 {
		return true
	}
	now := time.Now()
	l.lock.Lock()
	defer l.lock.Unlock()
	b, ok := l.buckets[client]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// Prune drop buckets of clients not seen for a while
func (l *ClientRateLimiter) Prune() {
	now := time.Now()
	l.lock.Lock()
	defer l.lock.Unlock()
	for client, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, client)
		}
	}
}

// Wrap rate limit a handler
func (l *ClientRateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r, l.trustForwardedFor)
		if !l.Allow(client) {
			log.WithFields(l.GetLogTagsForContext(r.Context())).Warnf(
				"Client %s exceeded the stream open rate", client,
			)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

// clientIP the client address. The first X-Forwarded-For entry is used only when
// trustForwardedFor is set.
func clientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if first := strings.TrimSpace(parts[0]); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
