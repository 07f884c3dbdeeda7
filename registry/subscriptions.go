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
	"hash/fnv"
	"sort"
	"sync"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// subscriptionKey flat composite key of one subscription bucket
type subscriptionKey struct {
	entityType string
	action     string
	resourceID string
}

// subscriptionShard one independently locked slice of the subscription index
type subscriptionShard struct {
	lock    sync.RWMutex
	entries map[subscriptionKey]map[models.ConnectionRef]struct{}
}

// SubscriptionRegistry concurrent index of which connection is watching which resource
type SubscriptionRegistry interface {
	// Subscribe record interest of a connection in a resource. Repeated calls are no-ops.
	Subscribe(sub models.Subscription) error
	// Unsubscribe remove one subscription. Removing an unknown subscription is a no-op.
	Unsubscribe(sub models.Subscription) error
	// UnregisterConnection remove every subscription held by a connection.
	//
	// Returns the number of subscriptions removed.
	UnregisterConnection(userID, connectionID string) int
	// MatchingConnections list the connections which should receive an update
	MatchingConnections(
		entityType, action, resourceID string, audience models.Audience,
	) []models.ConnectionRef
	// List list the current subscriptions. Empty entityType or action matches any.
	List(entityType, action string) []models.Subscription
	// Scope get a view of the registry fixed to one entity type and action
	Scope(entityType, action string) SubscriptionScope
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	shards   []*subscriptionShard
	validate *validator.Validate
}

// GetSubscriptionRegistry define a new SubscriptionRegistry
func GetSubscriptionRegistry(instance string, shardCount int) (SubscriptionRegistry, error) {
	if shardCount < 1 {
		return nil, fmt.Errorf("subscription registry needs at least one shard, got %d", shardCount)
	}
	logTags := log.Fields{
		"module": "registry", "component": "subscriptions", "instance": instance,
	}
	shards := make([]*subscriptionShard, shardCount)
	for idx := range shards {
		shards[idx] = &subscriptionShard{
			entries: make(map[subscriptionKey]map[models.ConnectionRef]struct{}),
		}
	}
	return &subscriptionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		shards:    shards,
		validate:  validator.New(),
	}, nil
}

// shardFor select the shard owning a key
func (r *subscriptionRegistryImpl) shardFor(key subscriptionKey) *subscriptionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.entityType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.action))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.resourceID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Subscribe record interest of a connection in a resource
func (r *subscriptionRegistryImpl) Subscribe(sub models.Subscription) error {
	if err := r.validate.Struct(&sub); err != nil {
		return err
	}
	key := subscriptionKey{
		entityType: sub.EntityType, action: sub.Action, resourceID: sub.ResourceID,
	}
	ref := models.ConnectionRef{UserID: sub.UserID, ConnectionID: sub.ConnectionID}
	shard := r.shardFor(key)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	conns, ok := shard.entries[key]
	if !ok {
		conns = make(map[models.ConnectionRef]struct{})
		shard.entries[key] = conns
	}
	conns[ref] = struct{}{}
	log.WithFields(r.LogTags).Debugf("Subscribed %s", sub)
	return nil
}

// Unsubscribe remove one subscription
func (r *subscriptionRegistryImpl) Unsubscribe(sub models.Subscription) error {
	if err := r.validate.Struct(&sub); err != nil {
		return err
	}
	key := subscriptionKey{
		entityType: sub.EntityType, action: sub.Action, resourceID: sub.ResourceID,
	}
	ref := models.ConnectionRef{UserID: sub.UserID, ConnectionID: sub.ConnectionID}
	shard := r.shardFor(key)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	conns, ok := shard.entries[key]
	if !ok {
		return nil
	}
	delete(conns, ref)
	if len(conns) == 0 {
		delete(shard.entries, key)
	}
	log.WithFields(r.LogTags).Debugf("Unsubscribed %s", sub)
	return nil
}

// UnregisterConnection remove every subscription held by a connection
func (r *subscriptionRegistryImpl) UnregisterConnection(userID, connectionID string) int {
	removed := 0
	for _, shard := range r.shards {
		shard.lock.Lock()
		for key, conns := range shard.entries {
			for ref := range conns {
				if ref.ConnectionID == connectionID {
					delete(conns, ref)
					removed++
				}
			}
			if len(conns) == 0 {
				delete(shard.entries, key)
			}
		}
		shard.lock.Unlock()
	}
	log.WithFields(r.LogTags).Debugf(
		"Removed %d subscriptions of connection %s:%s", removed, userID, connectionID,
	)
	return removed
}

// MatchingConnections list the connections which should receive an update
func (r *subscriptionRegistryImpl) MatchingConnections(
	entityType, action, resourceID string, audience models.Audience,
) []models.ConnectionRef {
	key := subscriptionKey{entityType: entityType, action: action, resourceID: resourceID}
	shard := r.shardFor(key)
	result := []models.ConnectionRef{}
	shard.lock.RLock()
	for ref := range shard.entries[key] {
		if audience.Includes(ref.UserID) {
			result = append(result, ref)
		}
	}
	shard.lock.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].ConnectionID < result[j].ConnectionID
	})
	return result
}

// List list the current subscriptions
func (r *subscriptionRegistryImpl) List(entityType, action string) []models.Subscription {
	result := []models.Subscription{}
	for _, shard := range r.shards {
		shard.lock.RLock()
		for key, conns := range shard.entries {
			if entityType != "" && key.entityType != entityType {
				continue
			}
			if action != "" && key.action != action {
				continue
			}
			for ref := range conns {
				result = append(result, models.Subscription{
					EntityType:   key.entityType,
					Action:       key.action,
					ResourceID:   key.resourceID,
					UserID:       ref.UserID,
					ConnectionID: ref.ConnectionID,
				})
			}
		}
		shard.lock.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result
}

// Scope get a view of the registry fixed to one entity type and action
func (r *subscriptionRegistryImpl) Scope(entityType, action string) SubscriptionScope {
	return SubscriptionScope{parent: r, entityType: entityType, action: action}
}

// ========================================================================================

// SubscriptionScope view of a SubscriptionRegistry fixed to one entity type and action
type SubscriptionScope struct {
	parent     SubscriptionRegistry
	entityType string
	action     string
}

// EntityType the entity type of the scope
func (s SubscriptionScope) EntityType() string {
	return s.entityType
}

// Action the action of the scope
func (s SubscriptionScope) Action() string {
	return s.action
}

// Subscribe record interest of a connection in a resource
func (s SubscriptionScope) Subscribe(resourceID, userID, connectionID string) error {
	return s.parent.Subscribe(models.Subscription{
		EntityType:   s.entityType,
		Action:       s.action,
		ResourceID:   resourceID,
		UserID:       userID,
		ConnectionID: connectionID,
	})
}

// Unsubscribe remove one subscription
func (s SubscriptionScope) Unsubscribe(resourceID, userID, connectionID string) error {
	return s.parent.Unsubscribe(models.Subscription{
		EntityType:   s.entityType,
		Action:       s.action,
		ResourceID:   resourceID,
		UserID:       userID,
		ConnectionID: connectionID,
	})
}

// MatchingConnections list the connections which should receive an update
func (s SubscriptionScope) MatchingConnections(
	resourceID string, audience models.Audience,
) []models.ConnectionRef {
	return s.parent.MatchingConnections(s.entityType, s.action, resourceID, audience)
}

// List list the subscriptions within the scope
func (s SubscriptionScope) List() []models.Subscription {
	return s.parent.List(s.entityType, s.action)
}
