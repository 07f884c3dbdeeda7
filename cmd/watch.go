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
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alwitt/jobwatch/client"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// WatchCLIArgs arguments of the watch client
type WatchCLIArgs struct {
	Endpoint      string `validate:"required,url"`
	Protocol      string `validate:"required"`
	Platform      string `validate:"required"`
	Scheme        string
	Token         string
	Queue         string
	Jobs          cli.StringSlice
	PingInterval  time.Duration `validate:"gt=0"`
	PongTimeout   time.Duration `validate:"gt=0"`
	ReconnectWait time.Duration `validate:"gt=0"`
}

// GetWatchCLIFlags retrieve the set of CMD flags for the watch client
func GetWatchCLIFlags(args *WatchCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "endpoint",
			Usage:       "Websocket endpoint of the hub",
			Aliases:     []string{"e"},
			EnvVars:     []string{"WATCH_ENDPOINT"},
			Value:       "ws://127.0.0.1:3000/v1/ws",
			DefaultText: "ws://127.0.0.1:3000/v1/ws",
			Destination: &args.Endpoint,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "protocol",
			Usage:       "Handshake protocol identifier",
			EnvVars:     []string{"WATCH_PROTOCOL"},
			Value:       "jobwatch",
			DefaultText: "jobwatch",
			Destination: &args.Protocol,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "platform",
			Usage:       "Client platform tag. 'browser' sends the token as the session cookie.",
			EnvVars:     []string{"WATCH_PLATFORM"},
			Value:       "cli",
			DefaultText: "cli",
			Destination: &args.Platform,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "scheme",
			Usage:       "Auth scheme of the credential",
			EnvVars:     []string{"WATCH_AUTH_SCHEME"},
			Value:       "Bearer",
			DefaultText: "Bearer",
			Destination: &args.Scheme,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Credential presented to the hub",
			Aliases:     []string{"t"},
			EnvVars:     []string{"WATCH_TOKEN"},
			Destination: &args.Token,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "queue",
			Usage:       "Job queue of the watched jobs",
			Aliases:     []string{"q"},
			EnvVars:     []string{"WATCH_QUEUE"},
			Destination: &args.Queue,
			Required:    false,
		},
		&cli.StringSliceFlag{
			Name:        "job",
			Usage:       "Job ID to watch. Repeat for multiple jobs.",
			Destination: &args.Jobs,
			Required:    true,
		},
		&cli.DurationFlag{
			Name:        "ping-interval",
			Usage:       "Interval between heartbeat pings",
			EnvVars:     []string{"WATCH_PING_INTERVAL"},
			Value:       time.Second * 30,
			DefaultText: "30s",
			Destination: &args.PingInterval,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "pong-timeout",
			Usage:       "Max wait for a pong after a ping",
			EnvVars:     []string{"WATCH_PONG_TIMEOUT"},
			Value:       time.Second * 10,
			DefaultText: "10s",
			Destination: &args.PongTimeout,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "reconnect-wait",
			Usage:       "Wait between reconnect attempts",
			EnvVars:     []string{"WATCH_RECONNECT_WAIT"},
			Value:       time.Second * 5,
			DefaultText: "5s",
			Destination: &args.ReconnectWait,
			Required:    false,
		},
	}
}

// subscribeCommands the commands subscribing to each watched job
func subscribeCommands(queueName string, jobs []string) []models.WireMessage {
	result := make([]models.WireMessage, 0, len(jobs))
	for _, jobID := range jobs {
		result = append(result, models.WireMessage{
			Entity: models.EntityJob,
			Action: models.ActionSubscribe,
			Context: &models.CommandContext{
				Action: models.ActionUpdate, Queue: queueName, JobID: jobID,
			},
		})
	}
	return result
}

// RunWatch connect to the hub, watch the listed jobs, and print every update
// to out. Reconnects after each disconnect until the context ends.
func RunWatch(
	runtimeContext context.Context,
	params WatchCLIArgs,
	instance string,
	out io.Writer,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	jobs := params.Jobs.Value()
	if len(jobs) == 0 {
		return fmt.Errorf("no job to watch")
	}

	config := client.DefaultConfig(models.Handshake{
		Protocol: params.Protocol,
		Platform: params.Platform,
		Scheme:   params.Scheme,
		Token:    params.Token,
	})
	if config.Handshake.IsBrowser() {
		config.Handshake.Scheme = ""
	}
	config.PingInterval = params.PingInterval
	config.PongTimeout = params.PongTimeout
	// Ends after the final disconnect, not with runtimeContext
	transportCtxt, transportCancel := context.WithCancel(context.Background())
	defer transportCancel()
	transport, err := client.GetConnectionTransport(transportCtxt, instance, config, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transport")
		return err
	}
	defer func() {
		_ = transport.Stop()
	}()

	encoder := json.NewEncoder(out)
	for {
		closed := make(chan struct{})
		transport.OnOpen(func() {
			for _, cmd := range subscribeCommands(params.Queue, jobs) {
				if err := transport.Send(cmd); err != nil {
					log.WithError(err).WithFields(logTags).Errorf(
						"Unable to subscribe to %s", cmd.Context.JobID,
					)
				}
			}
		})
		transport.OnMessage(func(msg models.WireMessage) {
			if msg.Entity == models.EntityAck && msg.OK != nil && !*msg.OK {
				log.WithFields(logTags).Warnf("Hub rejected %s: %s", msg.Action, msg.Error)
				return
			}
			if err := encoder.Encode(&msg); err != nil {
				log.WithError(err).WithFields(logTags).Error("Unable to print update")
			}
		})
		transport.OnError(func(err error) {
			log.WithError(err).WithFields(logTags).Warn("Transport error")
		})
		transport.OnClose(func() {
			close(closed)
		})

		if err := transport.Connect(params.Endpoint); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to connect")
			return err
		}

		select {
		case <-runtimeContext.Done():
			_ = transport.Disconnect()
			select {
			case <-closed:
			case <-time.After(params.PongTimeout):
			}
			return nil
		case <-closed:
		}

		log.WithFields(logTags).Infof("Disconnected, reconnecting in %s", params.ReconnectWait)
		select {
		case <-runtimeContext.Done():
			return nil
		case <-time.After(params.ReconnectWait):
		}
	}
}
