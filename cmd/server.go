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
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/cruisecast/apis"
	"github.com/alwitt/cruisecast/common"
	"github.com/alwitt/cruisecast/core"
	"github.com/alwitt/cruisecast/dataplane"
	"github.com/alwitt/cruisecast/management"
	"github.com/alwitt/cruisecast/registry"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// StrategyRelay promotions are relayed from the upstream per subscriber
const StrategyRelay = "relay"

// defineUpstreamProxy define the proxy of one streaming upstream
func defineUpstreamProxy(
	instance string,
	cfg common.UpstreamEndpointConfig,
	decoder dataplane.FrameDecoder,
	metrics *common.Metrics,
	wg *sync.WaitGroup,
) (dataplane.UpstreamStreamProxy, error) {
	client, err := core.GetUpstreamClient(instance, core.UpstreamParamsFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	return dataplane.GetUpstreamStreamProxy(instance, client, decoder, metrics, wg), nil
}

// RunProxyServer run the streaming proxy server
func RunProxyServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "proxy-server",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Metrics

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := common.NewMetrics(promRegistry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	// -------------------------------------------------------------------
	// Subscription state and promotion content

	connections := registry.GetConnectionRegistry(instance, metrics)
	intents := management.GetSubscriptionIntentStore(instance)
	catalog := management.GetPromotionCatalog(instance, config.Broadcast.UseDefaultCatalog)

	if config.Catalog.Postgres.Enabled {
		pgConfig := config.Catalog.Postgres
		db, err := management.OpenItineraryDB(runtimeContext, pgConfig.DSN)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to open itinerary database")
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Itinerary database close failed")
			}
		}()
		source, err := management.GetItineraryPromotionSource(
			runtimeContext, instance, db, catalog, pgConfig.PromotionsPerRefresh, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define itinerary promotions")
			return err
		}
		if err := source.Start(time.Second * time.Duration(pgConfig.RefreshIntervalSec)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start itinerary promotions")
			return err
		}
		defer func() {
			_ = source.Stop()
		}()
	}

	if config.NATS.Enabled {
		natsClient, err := core.GetNatsClient(core.NATSConnectParamsFromConfig(config.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		}()
		feed, err := dataplane.GetPromotionFeed(
			runtimeContext, &natsClient, config.NATS.PromotionSubject, catalog, 0,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define promotion feed")
			return err
		}
		if err := feed.StartReading(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to read promotion feed")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Upstreams and streaming

	statusProxy, err := defineUpstreamProxy(
		"booking", config.Upstream.Booking, dataplane.DecodeStatusFrame, metrics, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define booking service upstream")
		return err
	}

	var relayProxy dataplane.UpstreamStreamProxy
	var scheduler dataplane.BroadcastScheduler
	if config.Upstream.Promotion.Strategy == StrategyRelay {
		relayProxy, err = defineUpstreamProxy(
			"promotion-relay", config.Upstream.Promotion.Relay, dataplane.DecodeRelayFrame,
			metrics, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define promotion upstream")
			return err
		}
	} else {
		scheduler, err = dataplane.GetBroadcastScheduler(
			runtimeContext, instance, connections, intents, catalog, metrics, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define broadcast scheduler")
			return err
		}
		if err := scheduler.Start(time.Second * time.Duration(config.Broadcast.IntervalSec)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start broadcast scheduler")
			return err
		}
	}

	streams, err := dataplane.GetStreamManager(
		runtimeContext, instance, connections, statusProxy, relayProxy, scheduler,
		dataplane.StreamManagerParams{
			InboxSize:     config.Stream.InboxSize,
			KeepAlive:     time.Second * time.Duration(config.Stream.KeepAliveSec),
			WatchDuration: time.Second * time.Duration(config.Status.WatchDurationSec),
		}, metrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream manager")
		return err
	}

	// -------------------------------------------------------------------
	// HTTP handlers

	httpConfig := config.Server.HTTPSetting
	mgmtHandler, err := apis.GetAPIRestManagementHandler(
		runtimeContext, instance, httpConfig, intents, catalog, scheduler, connections,
		config.Broadcast.CloseOnUnsubscribe,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define management HTTP handler")
		return err
	}
	streamHandler, err := apis.GetAPIRestStreamHandler(
		instance, httpConfig, streams, time.Second*10,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define stream HTTP handler")
		return err
	}

	limiter := apis.NewClientRateLimiter(
		instance,
		config.Server.RateLimit.PerSecond,
		config.Server.RateLimit.Burst,
		config.Server.RateLimit.TrustForwardedFor,
	)
	pruneTimer, err := common.GetIntervalTimerInstance("rate-limit-prune", runtimeContext, wg)
	if err != nil {
		return err
	}
	if err := pruneTimer.Start(time.Minute, func() error {
		limiter.Prune()
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start rate limit pruning")
		return err
	}
	defer func() {
		_ = pruneTimer.Stop()
	}()

	router := apis.DefineRouter(apis.RouteParams{
		PathPrefix: config.Server.Endpoints.PathPrefix,
		Management: mgmtHandler,
		Streams:    streamHandler,
		Limiter:    limiter,
		Metrics:    promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	})

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := httpConfig.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop producing content, then end every open stream so the HTTP handlers return
	if scheduler != nil {
		if err := scheduler.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping broadcast scheduler")
		}
	}
	connections.CloseAll()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
