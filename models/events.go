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

package models

import (
	"encoding/json"
	"fmt"
)

// Entity type tags
const (
	EntityJob   = "Job"
	EntityPing  = "Ping"
	EntityPong  = "Pong"
	EntityAck   = "Ack"
	EntityError = "Error"
)

// Command action tags
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionUnregister  = "unregister"
	ActionUpdate      = "update"
)

// Subscription a standing interest of one connection in one resource
type Subscription struct {
	EntityType   string `json:"entity" validate:"required"`
	Action       string `json:"action" validate:"required"`
	ResourceID   string `json:"resource_id" validate:"required"`
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id" validate:"required"`
}

// String toString function
func (s Subscription) String() string {
	return fmt.Sprintf(
		"%s/%s/%s@%s:%s", s.EntityType, s.Action, s.ResourceID, s.UserID, s.ConnectionID,
	)
}

// ConnectionRef identifies one live connection of one user
type ConnectionRef struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// String toString function
func (r ConnectionRef) String() string {
	return fmt.Sprintf("%s:%s", r.UserID, r.ConnectionID)
}

// ========================================================================================

// Audience who an UpdateEvent is addressed to: one specific user, or everyone
// subscribed to the resource.
//
// The zero value is not a valid audience; use Broadcast or SpecificUser.
type Audience struct {
	userID    string
	broadcast bool
}

// Broadcast the audience covering every subscriber regardless of user
func Broadcast() Audience {
	return Audience{broadcast: true}
}

// SpecificUser the audience covering only the subscriptions of one user
func SpecificUser(userID string) Audience {
	return Audience{userID: userID}
}

// AudienceOf the audience of a resource owned by the user; unowned resources
// are broadcast.
func AudienceOf(ownerUserID *string) Audience {
	if ownerUserID == nil || *ownerUserID == "" {
		return Broadcast()
	}
	return SpecificUser(*ownerUserID)
}

// IsBroadcast whether the audience is everyone
func (a Audience) IsBroadcast() bool {
	return a.broadcast
}

// UserID the targeted user. Empty for broadcast.
func (a Audience) UserID() string {
	return a.userID
}

// Includes whether a subscription owned by the user falls in this audience
func (a Audience) Includes(userID string) bool {
	return a.broadcast || a.userID == userID
}

// String toString function
func (a Audience) String() string {
	if a.broadcast {
		return "<broadcast>"
	}
	return fmt.Sprintf("user:%s", a.userID)
}

type audienceJSON struct {
	Broadcast bool   `json:"broadcast,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (a Audience) MarshalJSON() ([]byte, error) {
	return json.Marshal(audienceJSON{Broadcast: a.broadcast, UserID: a.userID})
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Audience) UnmarshalJSON(data []byte) error {
	var t audienceJSON
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	if t.Broadcast && t.UserID != "" {
		return fmt.Errorf("audience can not be both broadcast and user %s", t.UserID)
	}
	if !t.Broadcast && t.UserID == "" {
		return fmt.Errorf("audience must be broadcast or name a user")
	}
	a.broadcast = t.Broadcast
	a.userID = t.UserID
	return nil
}

// ========================================================================================

// UpdateEvent a normalized, delivery-ready update about one resource
type UpdateEvent struct {
	// EntityType is the type of the resource
	EntityType string
	// Action is the subscription action the update matches against
	Action string
	// ResourceID is the resource the update is about
	ResourceID string
	// Audience is who should see the update
	Audience Audience
	// Queue is the job queue the resource belongs to, if any
	Queue string
	// Lifecycle is the lifecycle transition which caused the update, if any
	Lifecycle LifecycleKind
	// Payload is the entity snapshot
	Payload interface{}
}

// String toString function
func (e UpdateEvent) String() string {
	return fmt.Sprintf(
		"%s/%s/%s->%s", e.EntityType, e.Action, e.ResourceID, e.Audience.String(),
	)
}

// CommandContext parameters of a command
type CommandContext struct {
	// Action is the subscription action a subscribe / unsubscribe refers to
	Action string `json:"action,omitempty"`
	// Queue is the job queue
	Queue string `json:"queue,omitempty"`
	// JobID is the job (resource) ID
	JobID string `json:"jobId,omitempty"`
	// UserID is the issuing user
	UserID string `json:"userId,omitempty"`
	// ConnectionID is the issuing connection
	ConnectionID string `json:"connectionId,omitempty"`
}

// Command one command routed through the event bus
type Command struct {
	// Entity is the entity type the command concerns
	Entity string `json:"entity" validate:"required"`
	// Action is the command action tag
	Action string `json:"action" validate:"required"`
	// Context are the command parameters
	Context CommandContext `json:"context"`
	// Update is the update to deliver for ActionUpdate. Never read off the wire.
	Update *UpdateEvent `json:"-"`
}

// String toString function
func (c Command) String() string {
	return fmt.Sprintf(
		"%s.%s[%s/%s %s:%s]",
		c.Entity,
		c.Action,
		c.Context.Action,
		c.Context.JobID,
		c.Context.UserID,
		c.Context.ConnectionID,
	)
}
