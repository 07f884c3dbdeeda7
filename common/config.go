// Copyright 2022 The jobwatch Authors
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

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines NATS client reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts is the max number of reconnect attempts
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"required,gte=-1"`
	// WaitInterval is the wait time between reconnect attempt in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"required,gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Job Queue Related Config

// QueueListenConfig defines which job queues to listen to for lifecycle notifications
type QueueListenConfig struct {
	// SubjectPrefix is the NATS subject prefix lifecycle notifications are published under.
	//
	// Notifications arrive on <prefix>.<queue>.<kind>
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// Names is the list of job queues to listen to
	Names []string `mapstructure:"names" json:"names" validate:"omitempty,dive,required"`
	// ConsumerBuffer is the number of notifications buffered per queue before
	// the NATS reader is made to wait
	ConsumerBuffer int `mapstructure:"consumer_buffer" json:"consumer_buffer" validate:"gte=1"`
}

// PostgresJobStoreConfig defines the Postgres job record store parameters
type PostgresJobStoreConfig struct {
	// URL is the Postgres connection URL
	URL string `mapstructure:"url" json:"-" validate:"omitempty,uri"`
	// Table is the table holding job records
	Table string `mapstructure:"table" json:"table" validate:"required"`
	// MaxConns is the max number of pooled connections
	MaxConns int32 `mapstructure:"max_conns" json:"max_conns" validate:"gte=1"`
}

// NATSKVJobStoreConfig defines the JetStream KV job record store parameters
type NATSKVJobStoreConfig struct {
	// Bucket is the KV bucket holding job records
	Bucket string `mapstructure:"bucket" json:"bucket" validate:"required"`
}

// JobStoreConfig defines where job records are fetched from
type JobStoreConfig struct {
	// Backend selects the job record store
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=postgres nats-kv"`
	// FetchTimeout is the max duration of a single job record fetch in seconds
	FetchTimeout int `mapstructure:"fetch_timeout_sec" json:"fetch_timeout_sec" validate:"gte=1"`
	// Postgres are the Postgres store parameters
	Postgres PostgresJobStoreConfig `mapstructure:"postgres" json:"postgres" validate:"required,dive"`
	// NATSKV are the JetStream KV store parameters
	NATSKV NATSKVJobStoreConfig `mapstructure:"nats_kv" json:"nats_kv" validate:"required,dive"`
}

// ===============================================================================
// WebSocket Related Config

// WebSocketConfig defines the websocket endpoint parameters
type WebSocketConfig struct {
	// Protocol is the sub-protocol identifier clients must offer first
	Protocol string `mapstructure:"protocol" json:"protocol" validate:"required"`
	// Path is the websocket endpoint path
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// SendBuffer is the number of outbound messages queued per connection
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// WriteTimeout is the max duration of one websocket write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// IdleTimeout is the max duration without any inbound message in seconds
	// before the server drops the connection. Must exceed the client ping interval.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=1"`
	// MaxMessageBytes is the largest inbound message accepted
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=64"`
}

// AuthToken binds one credential token to a user
type AuthToken struct {
	// Token is the credential
	Token string `mapstructure:"token" json:"-" validate:"required"`
	// UserID is the user the credential authenticates as
	UserID string `mapstructure:"user_id" json:"user_id" validate:"required"`
}

// AuthConfig defines how connection handshake credentials are verified
type AuthConfig struct {
	// Scheme is the auth-scheme name non-browser clients must present
	Scheme string `mapstructure:"scheme" json:"scheme" validate:"required"`
	// Tokens is the table of accepted credentials
	Tokens []AuthToken `mapstructure:"tokens" json:"tokens" validate:"omitempty,dive"`
	// BrowserCookie is the cookie carrying the credential for browser clients
	BrowserCookie string `mapstructure:"browser_cookie" json:"browser_cookie" validate:"required"`
	// AllowAnonymous whether browser clients without credential may connect.
	//
	// Anonymous connections only receive broadcast updates.
	AllowAnonymous bool `mapstructure:"allow_anonymous" json:"allow_anonymous"`
}

// RegistryConfig defines subscription registry parameters
type RegistryConfig struct {
	// Shards is the number of independently locked subscription shards
	Shards int `mapstructure:"shards" json:"shards" validate:"gte=1,lte=1024"`
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
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete config of the job update hub
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Queues are the job queue listen parameters
	Queues QueueListenConfig `mapstructure:"queues" json:"queues" validate:"required,dive"`
	// JobStore are the job record store parameters
	JobStore JobStoreConfig `mapstructure:"job_store" json:"job_store" validate:"required,dive"`
	// WebSocket are the websocket endpoint parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// Auth are the handshake credential parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Registry are the subscription registry parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// APIServer are the HTTP server parameters
	APIServer HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default queue listen settings
	viper.SetDefault("queues.subject_prefix", "jobs")
	viper.SetDefault("queues.names", []string{})
	viper.SetDefault("queues.consumer_buffer", 64)

	// Default job store settings
	viper.SetDefault("job_store.backend", "nats-kv")
	viper.SetDefault("job_store.fetch_timeout_sec", 5)
	viper.SetDefault("job_store.postgres.table", "jobs")
	viper.SetDefault("job_store.postgres.max_conns", 4)
	viper.SetDefault("job_store.nats_kv.bucket", "jobs")

	// Default websocket settings
	viper.SetDefault("websocket.protocol", "jobwatch")
	viper.SetDefault("websocket.path", "/v1/ws")
	viper.SetDefault("websocket.send_buffer", 32)
	viper.SetDefault("websocket.write_timeout_sec", 10)
	viper.SetDefault("websocket.idle_timeout_sec", 45)
	viper.SetDefault("websocket.max_message_bytes", 16384)

	// Default auth settings
	viper.SetDefault("auth.scheme", "Bearer")
	viper.SetDefault("auth.browser_cookie", "jobwatch_session")
	viper.SetDefault("auth.allow_anonymous", false)

	// Default registry settings
	viper.SetDefault("registry.shards", 16)

	// Default API server settings
	viper.SetDefault("api_server.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Jobwatch-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"Sec-WebSocket-Protocol", "Cookie",
		},
	)
}

// LoadSystemConfig decode the system config from viper, after reading the config
// file over the installed defaults when one is given. The result is validated.
func LoadSystemConfig(configFile string) (*SystemConfig, error) {
	logTags := log.Fields{"module": "common", "component": "config"}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to read config file %s", configFile)
			return nil, err
		}
	}
	var config SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to decode config")
		return nil, err
	}
	if tmp, err := json.MarshalIndent(&config, "", "  "); err == nil {
		log.WithFields(logTags).Debugf("Config\n%s", tmp)
	}
	if err := validator.New().Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}
