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
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
)

// ErrConnectionNotFound no live connection under the user and connection ID
var ErrConnectionNotFound = errors.New("connection not found")

// ErrDuplicateConnection connection ID already registered
var ErrDuplicateConnection = errors.New("connection already registered")

// ConnectionHandle send handle of one live connection
type ConnectionHandle interface {
	// Send queue one serialized message for the connection
	Send(msg []byte) error
}

// ConnectionRegistry tracks the live connections of every user
type ConnectionRegistry interface {
	// Register record a newly authenticated connection
	Register(userID, connectionID string, handle ConnectionHandle) error
	// Unregister forget a connection. Returns whether it was known.
	Unregister(userID, connectionID string) bool
	// Lookup fetch the send handle of a live connection
	Lookup(userID, connectionID string) (ConnectionHandle, error)
	// Connections list the live connections
	Connections() []models.ConnectionRef
	// ConnectionCount number of live connections
	ConnectionCount() int
	// UserCount number of users with at least one live connection
	UserCount() int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock  sync.RWMutex
	users map[string]map[string]ConnectionHandle
	total int
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) ConnectionRegistry {
	logTags := log.Fields{
		"module": "registry", "component": "connections", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		users:     make(map[string]map[string]ConnectionHandle),
	}
}

// Register record a newly authenticated connection
func (r *connectionRegistryImpl) Register(
	userID, connectionID string, handle ConnectionHandle,
) error {
	if connectionID == "" {
		return fmt.Errorf("connection ID is required")
	}
	if handle == nil {
		return fmt.Errorf("connection %s:%s has no send handle", userID, connectionID)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]ConnectionHandle)
		r.users[userID] = conns
	}
	if _, ok := conns[connectionID]; ok {
		return fmt.Errorf("%s:%s: %w", userID, connectionID, ErrDuplicateConnection)
	}
	conns[connectionID] = handle
	r.total++
	log.WithFields(r.LogTags).Debugf("Registered connection %s:%s", userID, connectionID)
	return nil
}

// Unregister forget a connection
func (r *connectionRegistryImpl) Unregister(userID, connectionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	conns, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connectionID]; !ok {
		return false
	}
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(r.users, userID)
	}
	r.total--
	log.WithFields(r.LogTags).Debugf("Unregistered connection %s:%s", userID, connectionID)
	return true
}

// Lookup fetch the send handle of a live connection
func (r *connectionRegistryImpl) Lookup(userID, connectionID string) (ConnectionHandle, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if handle, ok := r.users[userID][connectionID]; ok {
		return handle, nil
	}
	return nil, fmt.Errorf("%s:%s: %w", userID, connectionID, ErrConnectionNotFound)
}

// Connections list the live connections
func (r *connectionRegistryImpl) Connections() []models.ConnectionRef {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]models.ConnectionRef, 0, r.total)
	for userID, conns := range r.users {
		for connectionID := range conns {
			result = append(result, models.ConnectionRef{UserID: userID, ConnectionID: connectionID})
		}
	}
	return result
}

// ConnectionCount number of live connections
func (r *connectionRegistryImpl) ConnectionCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.total
}

// UserCount number of users with at least one live connection
func (r *connectionRegistryImpl) UserCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.users)
}
