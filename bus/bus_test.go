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

package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alwitt/jobwatch/models"
	"github.com/alwitt/jobwatch/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockHandle struct {
	mock.Mock
}

func (m *mockHandle) Send(msg []byte) error {
	args := m.Called(msg)
	return args.Error(0)
}

func TestEventBusCommandRouting(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	subs, err := registry.GetSubscriptionRegistry("testing", 2)
	assert.Nil(err)
	uut, err := GetEventBus("testing", subs, registry.GetConnectionRegistry("testing"))
	assert.Nil(err)

	ctxt := context.Background()
	seen := []string{}
	handler := func(_ context.Context, cmd models.Command) (bool, error) {
		seen = append(seen, cmd.Action)
		if cmd.Action == models.ActionUnregister {
			return true, fmt.Errorf("dummy")
		}
		return true, nil
	}

	// Case 0: no handler
	{
		handled, err := uut.HandleCommand(ctxt, models.Command{
			Entity: models.EntityJob, Action: models.ActionSubscribe,
		})
		assert.Nil(err)
		assert.False(handled)
	}

	// Case 1: register and route
	assert.Nil(uut.RegisterHandler(
		models.EntityJob, []string{models.ActionSubscribe, models.ActionUnregister}, handler,
	))
	{
		handled, err := uut.HandleCommand(ctxt, models.Command{
			Entity: models.EntityJob, Action: models.ActionSubscribe,
		})
		assert.Nil(err)
		assert.True(handled)
		handled, err = uut.HandleCommand(ctxt, models.Command{
			Entity: models.EntityJob, Action: models.ActionUnregister,
		})
		assert.NotNil(err)
		assert.True(handled)
		handled, err = uut.HandleCommand(ctxt, models.Command{
			Entity: models.EntityJob, Action: "archive",
		})
		assert.Nil(err)
		assert.False(handled)
		assert.Equal([]string{models.ActionSubscribe, models.ActionUnregister}, seen)
	}

	// Case 2: overlapping registration rejected
	assert.NotNil(uut.RegisterHandler(
		models.EntityJob, []string{models.ActionUpdate, models.ActionSubscribe}, handler,
	))
	assert.NotNil(uut.RegisterHandler(models.EntityJob, []string{models.ActionUpdate}, nil))
	{
		handled, _ := uut.HandleCommand(ctxt, models.Command{
			Entity: models.EntityJob, Action: models.ActionUpdate,
		})
		assert.False(handled)
	}

	// Case 3: missing registries
	{
		_, err := GetEventBus("testing", nil, registry.GetConnectionRegistry("testing"))
		assert.NotNil(err)
	}
}

func TestEventBusSendToConnection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	subs, err := registry.GetSubscriptionRegistry("testing", 2)
	assert.Nil(err)
	conns := registry.GetConnectionRegistry("testing")
	uut, err := GetEventBus("testing", subs, conns)
	assert.Nil(err)

	handle := &mockHandle{}
	assert.Nil(conns.Register("user-a", "conn-1", handle))

	// Case 0: live connection
	{
		msg := []byte(`{"entity":"Job"}`)
		handle.On("Send", msg).Return(nil).Once()
		assert.Nil(uut.SendEventToUserConnection("user-a", "conn-1", msg))
	}

	// Case 1: unknown connection
	{
		err := uut.SendEventToUserConnection("user-a", "conn-2", []byte("{}"))
		assert.True(errors.Is(err, registry.ErrConnectionNotFound))
	}

	// Case 2: subscriptions view shares state with the registry
	{
		scope := uut.Subscriptions(models.EntityJob, models.ActionUpdate)
		assert.Nil(scope.Subscribe("job-1", "user-a", "conn-1"))
		assert.Len(uut.SubscriptionRegistry().List("", ""), 1)
	}

	handle.AssertExpectations(t)
}
