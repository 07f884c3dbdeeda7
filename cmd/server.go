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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/jobwatch/apis"
	"github.com/alwitt/jobwatch/auth"
	"github.com/alwitt/jobwatch/bus"
	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/core"
	"github.com/alwitt/jobwatch/dispatch"
	"github.com/alwitt/jobwatch/queue"
	"github.com/alwitt/jobwatch/registry"
	"github.com/alwitt/jobwatch/translator"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineJobStore define the job record store selected by config
func defineJobStore(
	ctxt context.Context, config common.JobStoreConfig, natsClient *core.NatsClient,
) (queue.JobStore, error) {
	switch config.Backend {
	case "postgres":
		return queue.GetPostgresJobStore(ctxt, config.Postgres)
	case "nats-kv":
		return queue.GetKVJobStore(natsClient, config.NATSKV)
	default:
		return nil, fmt.Errorf("unknown job store backend '%s'", config.Backend)
	}
}

// RunServer run the job update hub
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	// -------------------------------------------------------------------
	// Job records and registries

	store, err := defineJobStore(runtimeContext, config.JobStore, natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s job store", config.JobStore.Backend,
		)
		return err
	}
	defer store.Close()

	subscriptions, err := registry.GetSubscriptionRegistry(instance, config.Registry.Shards)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}
	eventBus, err := bus.GetEventBus(
		instance, subscriptions, registry.GetConnectionRegistry(instance),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus")
		return err
	}

	// -------------------------------------------------------------------
	// Job queue listeners

	source, err := queue.GetNATSLifecycleSource(natsClient, config.Queues.SubjectPrefix)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle source")
		return err
	}
	eventTranslator, err := translator.GetEventTranslator(
		runtimeContext,
		instance,
		translator.Config{
			ConsumerBuffer: config.Queues.ConsumerBuffer,
			FetchTimeout:   time.Second * time.Duration(config.JobStore.FetchTimeout),
		},
		eventBus,
		dispatch.GetDispatcher(instance, eventBus),
		source,
		store,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event translator")
		return err
	}
	defer func() {
		if err := eventTranslator.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Event translator stop failed")
		}
	}()
	for _, queueName := range config.Queues.Names {
		if err := eventTranslator.ListenToQueue(queueName); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to listen to job queue %s", queueName)
			return err
		}
	}

	// -------------------------------------------------------------------
	// HTTP handlers

	wsHandler, err := apis.GetWebSocketHandler(
		runtimeContext,
		config.WebSocket,
		&config.APIServer,
		eventBus,
		auth.GetStaticTokenAuthenticator(config.Auth),
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}
	natsReady := func(context.Context) error {
		if !natsClient.Connected() {
			return fmt.Errorf("NATS client not connected to %s", config.NATS.ServerURI)
		}
		return nil
	}
	restHandler, err := apis.GetAPIRestRegistryHandler(
		eventBus, &config.APIServer, natsReady, store.Ready,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define REST handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.APIServer.PathPrefix, nil)

	_ = apis.RegisterPathPrefix(mainRouter, config.WebSocket.Path, apis.MethodHandlers{
		"get": wsHandler.ConnectHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/subscriptions", apis.MethodHandlers{
		"get": restHandler.GetSubscriptionsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connections", apis.MethodHandlers{
		"get": restHandler.GetConnectionsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": restHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": restHandler.ReadyHandler(),
	})

	serverCfg := config.APIServer.Server
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
