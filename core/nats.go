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

package core

import (
	"context"
	"time"

	"github.com/alwitt/jobwatch/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSOptions how to reach the NATS server and what to do when the link changes
type NATSOptions struct {
	URI              string `validate:"required,uri"`
	DialTimeout      time.Duration
	MaxReconnects    int // -1 retries forever
	ReconnectBackoff time.Duration
	OnDisconnect     func(*nats.Conn, error)
	OnReconnect      func(*nats.Conn)
	OnClosed         func(*nats.Conn)
}

func (o NATSOptions) asNATS() []nats.Option {
	opts := []nats.Option{
		nats.Timeout(o.DialTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(o.MaxReconnects),
		nats.ReconnectWait(o.ReconnectBackoff),
	}
	if o.OnDisconnect != nil {
		opts = append(opts, nats.DisconnectErrHandler(o.OnDisconnect))
	}
	if o.OnReconnect != nil {
		opts = append(opts, nats.ReconnectHandler(o.OnReconnect))
	}
	if o.OnClosed != nil {
		opts = append(opts, nats.ClosedHandler(o.OnClosed))
	}
	return opts
}

// NatsClient NATS connection shared by the lifecycle listeners and the KV job store
type NatsClient struct {
	common.Component
	conn *nats.Conn
	js   nats.JetStreamContext
}

// GetNatsClient connect to NATS and prepare a JetStream context
func GetNatsClient(opts NATSOptions) (*NatsClient, error) {
	logTags := log.Fields{"module": "core", "component": "nats", "server": opts.URI}
	if err := validator.New().Struct(&opts); err != nil {
		log.WithError(err).WithFields(logTags).Error("Bad NATS options")
		return nil, err
	}

	conn, err := nats.Connect(opts.URI, opts.asNATS()...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach NATS")
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open JetStream context")
		conn.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("NATS connected")
	return &NatsClient{Component: common.Component{LogTags: logTags}, conn: conn, js: js}, nil
}

// Conn the underlying NATS connection
func (c *NatsClient) Conn() *nats.Conn {
	return c.conn
}

// JetStream the JetStream context
func (c *NatsClient) JetStream() nats.JetStreamContext {
	return c.js
}

// Connected whether the link to the server is up
func (c *NatsClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close flush pending publishes then close. Flushing gives up after 5s when
// ctxt carries no deadline.
func (c *NatsClient) Close(ctxt context.Context) {
	if _, ok := ctxt.Deadline(); !ok {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, time.Second*5)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Warn("Flush before close failed")
	}
	c.conn.Close()
	log.WithFields(c.LogTags).Info("NATS closed")
}
