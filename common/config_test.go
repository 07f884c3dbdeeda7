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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()
	viper.Reset()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("jobs", cfg.Queues.SubjectPrefix)
		assert.Equal("jobwatch", cfg.WebSocket.Protocol)
		assert.Equal(16, cfg.Registry.Shards)
		assert.Equal("nats-kv", cfg.JobStore.Backend)
	}

	// Case 2: listen to specific queues with a token table
	{
		config := []byte(`---
queues:
  names:
    - render
    - export
auth:
  tokens:
    - token: Secret-1
      user_id: alice
    - token: Secret-2
      user_id: bob`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal([]string{"render", "export"}, cfg.Queues.Names)
		assert.Len(cfg.Auth.Tokens, 2)
		assert.Equal("Secret-1", cfg.Auth.Tokens[0].Token)
		assert.Equal("alice", cfg.Auth.Tokens[0].UserID)
	}

	// Case 3: invalid job store backend
	{
		config := []byte(`---
job_store:
  backend: mongo`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: invalid listen interface
	{
		config := []byte(`---
api_server:
  server_config:
    listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	viper.Reset()
}

func TestLoadSystemConfig(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	viper.Reset()
	defer viper.Reset()
	InstallDefaultConfigValues()

	// Case 0: defaults only
	{
		cfg, err := LoadSystemConfig("")
		assert.Nil(err)
		assert.Equal(uint16(3000), cfg.APIServer.Server.Port)
		assert.Equal("/v1/ws", cfg.WebSocket.Path)
	}

	// Case 1: missing file
	{
		_, err := LoadSystemConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.NotNil(err)
	}

	// Case 2: file overrides
	{
		path := filepath.Join(t.TempDir(), "jobwatch.yaml")
		assert.Nil(os.WriteFile(path, []byte(`---
job_store:
  backend: postgres
  postgres:
    url: postgres://jobwatch@127.0.0.1:5432/jobs
websocket:
  idle_timeout_sec: 90`), 0600))
		cfg, err := LoadSystemConfig(path)
		assert.Nil(err)
		assert.Equal("postgres", cfg.JobStore.Backend)
		assert.Equal(90, cfg.WebSocket.IdleTimeout)
		assert.Equal("jobs", cfg.JobStore.Postgres.Table)
	}

	// Case 3: file fails validation
	{
		path := filepath.Join(t.TempDir(), "bad.yaml")
		assert.Nil(os.WriteFile(path, []byte(`---
registry:
  shards: 0`), 0600))
		_, err := LoadSystemConfig(path)
		assert.NotNil(err)
	}
}

func TestConfigureLogging(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ConfigureLogging(false, "info"))
	assert.Nil(ConfigureLogging(false, "debug"))
	assert.NotNil(ConfigureLogging(false, "chatty"))
}
