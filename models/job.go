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
	"time"
)

// LifecycleKind a job lifecycle transition reported by a job queue
type LifecycleKind string

// Supported lifecycle transitions
const (
	LifecycleActive    LifecycleKind = "active"
	LifecycleProgress  LifecycleKind = "progress"
	LifecycleCompleted LifecycleKind = "completed"
	LifecycleFailed    LifecycleKind = "failed"
)

// AllLifecycleKinds every lifecycle transition a queue reports
var AllLifecycleKinds = []LifecycleKind{
	LifecycleActive, LifecycleProgress, LifecycleCompleted, LifecycleFailed,
}

// ParseLifecycleKind parse a lifecycle transition name
func ParseLifecycleKind(name string) (LifecycleKind, error) {
	for _, kind := range AllLifecycleKinds {
		if string(kind) == name {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown job lifecycle transition '%s'", name)
}

// LifecycleNotification one lifecycle notification from a job queue
type LifecycleNotification struct {
	// Queue is the queue which reported the transition
	Queue string `json:"-"`
	// Kind is the transition
	Kind LifecycleKind `json:"-"`
	// JobID is the job which transitioned
	JobID string `json:"jobId" validate:"required"`
	// Result is the job result, on completion
	Result json.RawMessage `json:"result,omitempty"`
	// Progress is the reported progress, on progress
	Progress json.RawMessage `json:"progress,omitempty"`
	// Error is the failure reason, on failure
	Error string `json:"error,omitempty"`
}

// String toString function
func (n LifecycleNotification) String() string {
	return fmt.Sprintf("%s/%s:%s", n.Queue, n.JobID, n.Kind)
}

// Job a job record as held by the job queue
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	OwnerUserID *string         `json:"ownerUserId,omitempty"`
	State       string          `json:"state"`
	Progress    json.RawMessage `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ========================================================================================
// Wire messages

// WireMessage the envelope of every message exchanged over the connection
type WireMessage struct {
	// Entity is the entity type tag
	Entity string `json:"entity"`
	// Action is the action tag
	Action string `json:"action,omitempty"`
	// Queue is the job queue, for job updates
	Queue string `json:"queue,omitempty"`
	// JobID is the job ID, for job updates
	JobID string `json:"jobId,omitempty"`
	// Data is the entity snapshot, for job updates
	Data json.RawMessage `json:"data,omitempty"`
	// Context are command parameters, for client commands
	Context *CommandContext `json:"context,omitempty"`
	// OK whether a command succeeded, for acknowledgements
	OK *bool `json:"ok,omitempty"`
	// Error describes a failure, for acknowledgements and errors
	Error string `json:"error,omitempty"`
}

// NewUpdateMessage build the wire message delivering an update
func NewUpdateMessage(update UpdateEvent) (WireMessage, error) {
	data, err := json.Marshal(update.Payload)
	if err != nil {
		return WireMessage{}, err
	}
	action := update.Action
	if update.Lifecycle != "" {
		action = string(update.Lifecycle)
	}
	return WireMessage{
		Entity: update.EntityType,
		Action: action,
		Queue:  update.Queue,
		JobID:  update.ResourceID,
		Data:   data,
	}, nil
}

// NewAckMessage build the acknowledgement of a client command
func NewAckMessage(action string, err error) WireMessage {
	ok := err == nil
	msg := WireMessage{Entity: EntityAck, Action: action, OK: &ok}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// IsPing whether the message is a heartbeat ping
func (m WireMessage) IsPing() bool {
	return m.Entity == EntityPing
}

// IsPong whether the message is a heartbeat pong
func (m WireMessage) IsPong() bool {
	return m.Entity == EntityPong
}

// ToCommand convert a client command message into a Command
func (m WireMessage) ToCommand() Command {
	cmd := Command{Entity: m.Entity, Action: m.Action}
	if m.Context != nil {
		cmd.Context = *m.Context
	}
	return cmd
}
