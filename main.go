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

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/alwitt/jobwatch/cmd"
	"github.com/alwitt/jobwatch/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// globalArgs flags shared by every subcommand
type globalArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var args globalArgs

var watchArgs cmd.WatchCLIArgs

// @title jobwatch
// @version v0.1.0
// @description Pushes job queue lifecycle updates to subscribed websocket clients

// @host localhost:3000
// @BasePath /
func main() {
	_ = godotenv.Load()
	common.InstallDefaultConfigValues()

	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	args.Hostname = hostname

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "job update hub",
		Description: "Pushes job queue lifecycle updates to subscribed websocket clients",
		Flags:       globalFlags(&args),
		Before: func(*cli.Context) error {
			if err := validator.New().Struct(&args); err != nil {
				return err
			}
			return common.ConfigureLogging(args.JSONLog, args.LogLevel)
		},
		Commands: []*cli.Command{
			{
				Name:        "server",
				Usage:       "Run the jobwatch hub",
				Description: "Listens to job queues and serves the job update websocket endpoint",
				Action:      startServer,
			},
			{
				Name:        "watch",
				Usage:       "Watch jobs through a jobwatch hub",
				Description: "Subscribes to the listed jobs and prints every update received",
				Flags:       cmd.GetWatchCLIFlags(&watchArgs),
				Action:      startWatch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"module": "main", "instance": hostname,
		}).Fatal("Program shutdown")
	}
}

func globalFlags(target *globalArgs) []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "json-log",
			Usage:       "Whether to log in JSON format",
			Aliases:     []string{"j"},
			EnvVars:     []string{"LOG_AS_JSON"},
			Destination: &target.JSONLog,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Logging level: [debug info warn error]",
			Aliases:     []string{"l"},
			EnvVars:     []string{"LOG_LEVEL"},
			Value:       "warn",
			Destination: &target.LogLevel,
		},
		&cli.StringFlag{
			Name:        "config-file",
			Usage:       "Application config file. Defaults apply when not given.",
			Aliases:     []string{"c"},
			EnvVars:     []string{"CONFIG_FILE"},
			Destination: &target.ConfigFile,
		},
	}
}

// runtimeControl the process context, ended by SIGINT
func runtimeControl() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	ctxt, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	return &sync.WaitGroup{}, ctxt, cancel
}

func startServer(c *cli.Context) error {
	config, err := common.LoadSystemConfig(args.ConfigFile)
	if err != nil {
		return err
	}

	wg, ctxt, cancel := runtimeControl()
	defer wg.Wait()
	defer cancel()

	natsClient, err := cmd.DefineNatsClient(config.NATS, args.Hostname, cancel)
	if err != nil {
		return err
	}
	defer natsClient.Close(context.Background())

	return cmd.RunServer(ctxt, config, args.Hostname, natsClient, wg)
}

func startWatch(c *cli.Context) error {
	wg, ctxt, cancel := runtimeControl()
	defer wg.Wait()
	defer cancel()

	return cmd.RunWatch(ctxt, watchArgs, args.Hostname, os.Stdout, wg)
}
