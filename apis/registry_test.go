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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alwitt/jobwatch/bus"
	"github.com/alwitt/jobwatch/models"
	"github.com/alwitt/jobwatch/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type nullHandle struct{}

func (nullHandle) Send([]byte) error { return nil }

func TestRegistryHandlers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	subs, err := registry.GetSubscriptionRegistry("testing", 2)
	assert.Nil(err)
	conns := registry.GetConnectionRegistry("testing")
	eventBus, err := bus.GetEventBus("testing", subs, conns)
	assert.Nil(err)

	assert.Nil(conns.Register("alice", "c1", nullHandle{}))
	assert.Nil(conns.Register("alice", "c2", nullHandle{}))
	assert.Nil(conns.Register("bob", "c3", nullHandle{}))
	jobs := eventBus.Subscriptions(models.EntityJob, models.ActionUpdate)
	assert.Nil(jobs.Subscribe("job-1", "alice", "c1"))
	assert.Nil(jobs.Subscribe("job-2", "bob", "c3"))
	assert.Nil(eventBus.Subscriptions(models.EntityJob, "progress").Subscribe("job-1", "alice", "c2"))

	uut, err := GetAPIRestRegistryHandler(eventBus, testHTTPConfig())
	assert.Nil(err)

	// Case 0: list every subscription
	{
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil)
		uut.GetSubscriptionsHandler().ServeHTTP(rr, req)
		assert.Equal(http.StatusOK, rr.Code)
		var resp APIRestRespSubscriptions
		assert.Nil(json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Len(resp.Subscriptions, 3)
	}

	// Case 1: filter by action
	{
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodGet, "/v1/subscriptions?entity=Job&action=progress", nil,
		)
		uut.GetSubscriptionsHandler().ServeHTTP(rr, req)
		assert.Equal(http.StatusOK, rr.Code)
		var resp APIRestRespSubscriptions
		assert.Nil(json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(resp.Subscriptions, 1)
		assert.Equal("c2", resp.Subscriptions[0].ConnectionID)
	}

	// Case 2: connection summary
	{
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
		uut.GetConnectionsHandler().ServeHTTP(rr, req)
		assert.Equal(http.StatusOK, rr.Code)
		var resp APIRestRespConnections
		assert.Nil(json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(3, resp.Connections)
		assert.Equal(2, resp.Users)
	}

	// Case 3: liveness
	{
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/alive", nil)
		uut.AliveHandler().ServeHTTP(rr, req)
		assert.Equal(http.StatusOK, rr.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	subs, err := registry.GetSubscriptionRegistry("testing", 2)
	assert.Nil(err)
	eventBus, err := bus.GetEventBus("testing", subs, registry.GetConnectionRegistry("testing"))
	assert.Nil(err)

	ready := true
	uut, err := GetAPIRestRegistryHandler(
		eventBus,
		testHTTPConfig(),
		func(context.Context) error { return nil },
		func(context.Context) error {
			if ready {
				return nil
			}
			return fmt.Errorf("job store unreachable")
		},
	)
	assert.Nil(err)

	// Case 0: every dependency ready
	{
		rr := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(http.StatusOK, rr.Code)
	}

	// Case 1: one dependency not ready
	{
		ready = false
		rr := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(http.StatusInternalServerError, rr.Code)
	}
}
