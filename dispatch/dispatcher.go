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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/alwitt/jobwatch/bus"
	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/alwitt/jobwatch/registry"
	"github.com/apex/log"
)

// Dispatcher delivers normalized updates to every subscribed live connection
type Dispatcher interface {
	// Deliver push an update to the connections subscribed to it.
	//
	// Returns the number of connections the update was handed to. Failing to
	// reach one connection never stops delivery to the others.
	Deliver(ctxt context.Context, update models.UpdateEvent) (int, error)
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	eventBus bus.EventBus
}

// GetDispatcher define a new Dispatcher
func GetDispatcher(instance string, eventBus bus.EventBus) Dispatcher {
	logTags := log.Fields{
		"module": "dispatch", "component": "dispatcher", "instance": instance,
	}
	return &dispatcherImpl{
		Component: common.Component{LogTags: logTags},
		eventBus:  eventBus,
	}
}

// Deliver push an update to the connections subscribed to it
func (d *dispatcherImpl) Deliver(ctxt context.Context, update models.UpdateEvent) (int, error) {
	localLogTags, err := common.UpdateLogTags(ctxt, d.LogTags)
	if err != nil {
		localLogTags = d.LogTags
	}

	targets := d.eventBus.
		Subscriptions(update.EntityType, update.Action).
		MatchingConnections(update.ResourceID, update.Audience)
	if len(targets) == 0 {
		log.WithFields(localLogTags).Debugf("No subscriber for %s", update)
		return 0, nil
	}

	wire, err := models.NewUpdateMessage(update)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to build message for %s", update)
		return 0, err
	}
	msg, err := json.Marshal(&wire)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", update)
		return 0, err
	}

	delivered := 0
	for _, target := range targets {
		if ctxt.Err() != nil {
			return delivered, ctxt.Err()
		}
		err := d.eventBus.SendEventToUserConnection(target.UserID, target.ConnectionID, msg)
		if err == nil {
			delivered++
			continue
		}
		if errors.Is(err, registry.ErrConnectionNotFound) {
			// Subscription outlived its connection
			log.WithFields(localLogTags).Debugf("Skipping stale subscriber %s for %s", target, update)
		} else {
			log.WithError(err).WithFields(localLogTags).Warnf("Failed to send %s to %s", update, target)
		}
	}
	log.WithFields(localLogTags).Debugf("Delivered %s to %d connections", update, delivered)
	return delivered, nil
}
