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
	"time"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// DefineNatsClient connect to NATS as configured. onClose is called once the
// client gives up on the server.
func DefineNatsClient(
	config common.NATSConfig, instance string, onClose func(),
) (*core.NatsClient, error) {
	logTags := log.Fields{"module": "cmd", "component": "nats", "instance": instance}
	return core.GetNatsClient(core.NATSOptions{
		URI:              config.ServerURI,
		DialTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnects:    config.Reconnect.MaxAttempts,
		ReconnectBackoff: time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnect: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf("Disconnected from %s", config.ServerURI)
		},
		OnReconnect: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf("Reconnected to %s", config.ServerURI)
		},
		OnClosed: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS connection closed")
			onClose()
		},
	})
}
