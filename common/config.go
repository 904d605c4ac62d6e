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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// Enabled whether to ingest promotions published through NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// PromotionSubject is the NATS subject promotions are published on
	PromotionSubject string `mapstructure:"promotion_subject" json:"promotion_subject" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Streams are held open indefinitely, so this should stay at zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Proxy Server Related Config

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// RateLimitConfig defines the per client stream open rate limit
type RateLimitConfig struct {
	// PerSecond is the sustained number of stream opens allowed per client. 0 disables
	// the limit.
	PerSecond float64 `mapstructure:"per_sec" json:"per_sec" validate:"gte=0"`
	// Burst is the max number of stream opens allowed in a burst
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=1"`
	// TrustForwardedFor identify clients by X-Forwarded-For. Only enable behind a trusted
	// reverse proxy which overwrites the header.
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for" json:"trust_forwarded_for"`
}

// ProxyServerConfig defines configuration for the API server
type ProxyServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// RateLimit is the stream open rate limit
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"required,dive"`
}

// ===============================================================================
// Upstream Related Config

// UpstreamEndpointConfig defines one streaming upstream collaborator
type UpstreamEndpointConfig struct {
	// URL is the streaming endpoint
	URL string `mapstructure:"url" json:"url" validate:"required,url"`
	// ParamName is the query parameter carrying the resource ID / subscriber key
	ParamName string `mapstructure:"param_name" json:"param_name" validate:"required"`
	// ConnectTimeout is the max duration for establishing the stream in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
}

// PromotionUpstreamConfig defines where promotions come from
type PromotionUpstreamConfig struct {
	// Strategy is either "broadcast" (local content set pushed by the scheduler) or
	// "relay" (one upstream stream per subscriber)
	Strategy string `mapstructure:"strategy" json:"strategy" validate:"required,oneof=broadcast relay"`
	// Relay is the upstream used with the "relay" strategy
	Relay UpstreamEndpointConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
}

// UpstreamConfig defines the upstream collaborators
type UpstreamConfig struct {
	// Booking is the booking service reservation status stream
	Booking UpstreamEndpointConfig `mapstructure:"booking" json:"booking" validate:"required,dive"`
	// Promotion is the promotion source
	Promotion PromotionUpstreamConfig `mapstructure:"promotion" json:"promotion" validate:"required,dive"`
}

// ===============================================================================
// Streaming Related Config

// BroadcastConfig defines the promotion broadcast scheduler parameters
type BroadcastConfig struct {
	// IntervalSec is the interval between broadcasts in seconds
	IntervalSec int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// CloseOnUnsubscribe whether unsubscribe closes an open stream immediately instead
	// of at the next broadcast
	CloseOnUnsubscribe bool `mapstructure:"close_on_unsubscribe" json:"close_on_unsubscribe"`
	// UseDefaultCatalog whether to seed the catalog with the built-in promotions
	UseDefaultCatalog bool `mapstructure:"use_default_catalog" json:"use_default_catalog"`
}

// StatusStreamConfig defines the reservation status stream parameters
type StatusStreamConfig struct {
	// WatchDurationSec is the max duration of a status stream in seconds
	WatchDurationSec int `mapstructure:"watch_duration_sec" json:"watch_duration_sec" validate:"gte=1"`
}

// StreamConfig defines parameters common to all downstream streams
type StreamConfig struct {
	// KeepAliveSec is the idle interval after which a keep-alive is written. 0 disables.
	KeepAliveSec int `mapstructure:"keep_alive_sec" json:"keep_alive_sec" validate:"gte=0"`
	// InboxSize is the per-session event buffer
	InboxSize int `mapstructure:"inbox_size" json:"inbox_size" validate:"gte=1"`
}

// PostgresCatalogConfig defines the itinerary backed promotion generator
type PostgresCatalogConfig struct {
	// Enabled whether to generate promotions from the itinerary database
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// DSN is the PostgreSQL connection string
	DSN string `mapstructure:"dsn" json:"-" validate:"required_if=Enabled true"`
	// RefreshIntervalSec is the interval between catalog refreshes in seconds
	RefreshIntervalSec int `mapstructure:"refresh_interval_sec" json:"refresh_interval_sec" validate:"gte=1"`
	// PromotionsPerRefresh is the number of promotions generated per refresh
	PromotionsPerRefresh int `mapstructure:"promotions_per_refresh" json:"promotions_per_refresh" validate:"gte=1"`
}

// CatalogConfig defines promotion catalog sources
type CatalogConfig struct {
	// Postgres is the itinerary backed promotion generator
	Postgres PostgresCatalogConfig `mapstructure:"postgres" json:"postgres" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Server are the API server configs
	Server ProxyServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
	// Upstream are the upstream collaborator configs
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream" validate:"required,dive"`
	// Broadcast are the promotion broadcast configs
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
	// Status are the reservation status stream configs
	Status StatusStreamConfig `mapstructure:"status" json:"status" validate:"required,dive"`
	// Stream are the downstream stream configs
	Stream StreamConfig `mapstructure:"stream" json:"stream" validate:"required,dive"`
	// Catalog are the promotion catalog configs
	Catalog CatalogConfig `mapstructure:"catalog" json:"catalog" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.promotion_subject", "promotions.>")

	// Default API server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Cruisecast-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("server.rate_limit.per_sec", 2)
	viper.SetDefault("server.rate_limit.burst", 10)
	viper.SetDefault("server.rate_limit.trust_forwarded_for", false)

	// Default upstream settings
	viper.SetDefault(
		"upstream.booking.url", "http://127.0.0.1:5001/book/reservation-status/stream",
	)
	viper.SetDefault("upstream.booking.param_name", "reservation_id")
	viper.SetDefault("upstream.booking.connect_timeout_sec", 5)
	viper.SetDefault("upstream.promotion.strategy", "broadcast")
	viper.SetDefault(
		"upstream.promotion.relay.url", "http://127.0.0.1:5002/marketing/promotions/stream",
	)
	viper.SetDefault("upstream.promotion.relay.param_name", "email")
	viper.SetDefault("upstream.promotion.relay.connect_timeout_sec", 5)

	// Default streaming settings
	viper.SetDefault("broadcast.interval_sec", 30)
	viper.SetDefault("broadcast.close_on_unsubscribe", false)
	viper.SetDefault("broadcast.use_default_catalog", true)
	viper.SetDefault("status.watch_duration_sec", 300)
	viper.SetDefault("stream.keep_alive_sec", 15)
	viper.SetDefault("stream.inbox_size", 16)

	// Default catalog settings
	viper.SetDefault("catalog.postgres.enabled", false)
	viper.SetDefault("catalog.postgres.dsn", "")
	viper.SetDefault("catalog.postgres.refresh_interval_sec", 60)
	viper.SetDefault("catalog.postgres.promotions_per_refresh", 5)
}
