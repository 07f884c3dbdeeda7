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

// Package natstest runs in-process NATS servers for unit tests
package natstest

import (
	"testing"
	"time"

	"github.com/alwitt/jobwatch/core"
	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// RunServer start an in-process NATS server with JetStream enabled.
//
// The server is shut down when the test finishes.
func RunServer(t *testing.T) *server.Server {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv
}

// Connect define a NatsClient connected to an in-process server
func Connect(t *testing.T, srv *server.Server) (*core.NatsClient, error) {
	return core.GetNatsClient(core.NATSOptions{
		URI:              srv.ClientURL(),
		DialTimeout:      time.Second,
		ReconnectBackoff: time.Second,
		OnDisconnect: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithField("test", t.Name()).Error("Lost in-process NATS server")
			}
		},
	})
}
