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

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionRegistryBasic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetSubscriptionRegistry("testing", 4)
	assert.Nil(err)

	userA := "user-a"
	userB := "user-b"
	connA := uuid.New().String()
	connB := uuid.New().String()
	sub := func(resource, user, conn string) models.Subscription {
		return models.Subscription{
			EntityType:   models.EntityJob,
			Action:       models.ActionUpdate,
			ResourceID:   resource,
			UserID:       user,
			ConnectionID: conn,
		}
	}

	// Case 0: nothing subscribed
	{
		assert.Empty(uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, "job-1", models.Broadcast(),
		))
		assert.Nil(uut.Unsubscribe(sub("job-1", userA, connA)))
		assert.Equal(0, uut.UnregisterConnection(userA, connA))
	}

	// Case 1: subscribing repeatedly yields one subscription
	for i := 0; i < 3; i++ {
		assert.Nil(uut.Subscribe(sub("job-1", userA, connA)))
	}
	{
		matches := uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, "job-1", models.SpecificUser(userA),
		)
		assert.Equal([]models.ConnectionRef{{UserID: userA, ConnectionID: connA}}, matches)
		assert.Len(uut.List("", ""), 1)
	}

	// Case 2: audience filtering
	assert.Nil(uut.Subscribe(sub("job-1", userB, connB)))
	{
		matches := uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, "job-1", models.Broadcast(),
		)
		assert.Len(matches, 2)
		matches = uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, "job-1", models.SpecificUser(userA),
		)
		assert.Equal([]models.ConnectionRef{{UserID: userA, ConnectionID: connA}}, matches)
		matches = uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, "job-1", models.SpecificUser("all"),
		)
		assert.Empty(matches)
	}

	// Case 3: other keys are independent
	{
		assert.Empty(uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, "job-2", models.Broadcast(),
		))
		assert.Empty(uut.MatchingConnections(
			models.EntityJob, "delete", "job-1", models.Broadcast(),
		))
	}

	// Case 4: unsubscribe one
	assert.Nil(uut.Unsubscribe(sub("job-1", userB, connB)))
	assert.Nil(uut.Unsubscribe(sub("job-1", userB, connB)))
	{
		matches := uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, "job-1", models.Broadcast(),
		)
		assert.Equal([]models.ConnectionRef{{UserID: userA, ConnectionID: connA}}, matches)
	}

	// Case 5: unregister cascades across resources
	assert.Nil(uut.Subscribe(sub("job-2", userA, connA)))
	assert.Nil(uut.Subscribe(sub("job-3", userA, connA)))
	assert.Nil(uut.Subscribe(sub("job-3", userB, connB)))
	assert.Equal(3, uut.UnregisterConnection(userA, connA))
	for _, resource := range []string{"job-1", "job-2", "job-3"} {
		for _, match := range uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, resource, models.Broadcast(),
		) {
			assert.NotEqual(connA, match.ConnectionID)
		}
	}
	assert.Equal(
		[]models.Subscription{sub("job-3", userB, connB)}, uut.List(models.EntityJob, ""),
	)

	// Case 6: invalid subscriptions
	assert.NotNil(uut.Subscribe(models.Subscription{EntityType: models.EntityJob}))
	assert.NotNil(uut.Subscribe(sub("job-1", userA, "")))

	// Case 7: invalid shard count
	{
		_, err := GetSubscriptionRegistry("testing", 0)
		assert.NotNil(err)
	}
}

func TestSubscriptionScope(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	parent, err := GetSubscriptionRegistry("testing", 2)
	assert.Nil(err)

	uut := parent.Scope(models.EntityJob, models.ActionUpdate)
	assert.Equal(models.EntityJob, uut.EntityType())
	assert.Equal(models.ActionUpdate, uut.Action())

	assert.Nil(uut.Subscribe("job-1", "user-a", "conn-1"))
	assert.Nil(parent.Subscribe(models.Subscription{
		EntityType:   models.EntityJob,
		Action:       "delete",
		ResourceID:   "job-1",
		UserID:       "user-a",
		ConnectionID: "conn-1",
	}))
	assert.Len(uut.List(), 1)
	assert.Len(parent.List(models.EntityJob, ""), 2)
	assert.Equal(
		[]models.ConnectionRef{{UserID: "user-a", ConnectionID: "conn-1"}},
		uut.MatchingConnections("job-1", models.Broadcast()),
	)
	assert.Nil(uut.Unsubscribe("job-1", "user-a", "conn-1"))
	assert.Empty(uut.MatchingConnections("job-1", models.Broadcast()))
	assert.Len(parent.List("", "delete"), 1)
}

func TestSubscriptionRegistryConcurrent(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetSubscriptionRegistry("testing", 8)
	assert.Nil(err)

	const workers = 16
	const resources = 32
	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", idx%4)
			conn := fmt.Sprintf("conn-%d", idx)
			for r := 0; r < resources; r++ {
				s := models.Subscription{
					EntityType:   models.EntityJob,
					Action:       models.ActionUpdate,
					ResourceID:   fmt.Sprintf("job-%d", r),
					UserID:       user,
					ConnectionID: conn,
				}
				assert.Nil(uut.Subscribe(s))
				_ = uut.MatchingConnections(
					models.EntityJob, models.ActionUpdate, s.ResourceID, models.Broadcast(),
				)
			}
			// Odd workers leave, even workers stay
			if idx%2 == 1 {
				uut.UnregisterConnection(user, conn)
			}
		}(w)
	}
	wg.Wait()

	for r := 0; r < resources; r++ {
		matches := uut.MatchingConnections(
			models.EntityJob, models.ActionUpdate, fmt.Sprintf("job-%d", r), models.Broadcast(),
		)
		assert.Len(matches, workers/2)
	}
	assert.Len(uut.List("", ""), workers/2*resources)
}
