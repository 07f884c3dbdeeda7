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
	"fmt"
	"sync"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/alwitt/jobwatch/registry"
	"github.com/apex/log"
)

// CommandHandler handles commands routed by the EventBus.
//
// Returns false if the command action is not one the handler supports.
type CommandHandler func(ctxt context.Context, cmd models.Command) (bool, error)

// EventBus connects command sources, subscription state, and live connections
type EventBus interface {
	// RegisterHandler register the handler of commands for an entity type and
	// set of actions
	RegisterHandler(entityType string, actions []string, handler CommandHandler) error
	// HandleCommand route a command to its handler.
	//
	// Returns false if no handler took the command.
	HandleCommand(ctxt context.Context, cmd models.Command) (bool, error)
	// Subscriptions get the subscription registry view for an entity type and action
	Subscriptions(entityType, action string) registry.SubscriptionScope
	// SubscriptionRegistry get the full subscription registry
	SubscriptionRegistry() registry.SubscriptionRegistry
	// ConnectionRegistry get the live connection registry
	ConnectionRegistry() registry.ConnectionRegistry
	// SendEventToUserConnection send one serialized event to one live connection
	SendEventToUserConnection(userID, connectionID string, msg []byte) error
}

// handlerKey the entity type and action a handler is registered against
type handlerKey struct {
	entityType string
	action     string
}

// eventBusImpl implements EventBus
type eventBusImpl struct {
	common.Component
	lock          sync.RWMutex
	handlers      map[handlerKey]CommandHandler
	subscriptions registry.SubscriptionRegistry
	connections   registry.ConnectionRegistry
}

// GetEventBus define a new EventBus
func GetEventBus(
	instance string,
	subscriptions registry.SubscriptionRegistry,
	connections registry.ConnectionRegistry,
) (EventBus, error) {
	if subscriptions == nil || connections == nil {
		return nil, fmt.Errorf("event bus requires both subscription and connection registries")
	}
	logTags := log.Fields{
		"module": "bus", "component": "event-bus", "instance": instance,
	}
	return &eventBusImpl{
		Component:     common.Component{LogTags: logTags},
		handlers:      make(map[handlerKey]CommandHandler),
		subscriptions: subscriptions,
		connections:   connections,
	}, nil
}

// RegisterHandler register the handler of commands for an entity type and set of actions
func (b *eventBusImpl) RegisterHandler(
	entityType string, actions []string, handler CommandHandler,
) error {
	if handler == nil {
		return fmt.Errorf("no handler provided for %s", entityType)
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, action := range actions {
		if _, ok := b.handlers[handlerKey{entityType: entityType, action: action}]; ok {
			return fmt.Errorf("handler for %s.%s already registered", entityType, action)
		}
	}
	for _, action := range actions {
		b.handlers[handlerKey{entityType: entityType, action: action}] = handler
	}
	log.WithFields(b.LogTags).Infof("Registered handler for %s actions %v", entityType, actions)
	return nil
}

// HandleCommand route a command to its handler
func (b *eventBusImpl) HandleCommand(ctxt context.Context, cmd models.Command) (bool, error) {
	b.lock.RLock()
	handler, ok := b.handlers[handlerKey{entityType: cmd.Entity, action: cmd.Action}]
	b.lock.RUnlock()
	if !ok {
		log.WithFields(b.LogTags).Debugf("No handler for command %s", cmd)
		return false, nil
	}
	return handler(ctxt, cmd)
}

// Subscriptions get the subscription registry view for an entity type and action
func (b *eventBusImpl) Subscriptions(entityType, action string) registry.SubscriptionScope {
	return b.subscriptions.Scope(entityType, action)
}

// SubscriptionRegistry get the full subscription registry
func (b *eventBusImpl) SubscriptionRegistry() registry.SubscriptionRegistry {
	return b.subscriptions
}

// ConnectionRegistry get the live connection registry
func (b *eventBusImpl) ConnectionRegistry() registry.ConnectionRegistry {
	return b.connections
}

// SendEventToUserConnection send one serialized event to one live connection
func (b *eventBusImpl) SendEventToUserConnection(
	userID, connectionID string, msg []byte,
) error {
	handle, err := b.connections.Lookup(userID, connectionID)
	if err != nil {
		return err
	}
	return handle.Send(msg)
}
