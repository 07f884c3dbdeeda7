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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/core"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NotificationHandler receives lifecycle notifications read from a job queue.
//
// The handler may block; further notifications of the same queue wait until it returns.
type NotificationHandler func(ctxt context.Context, note models.LifecycleNotification) error

// LifecycleListener an active subscription to one job queue's lifecycle notifications
type LifecycleListener interface {
	// Queue the job queue listened to
	Queue() string
	// Stop stop listening
	Stop() error
}

// LifecycleSource source of job queue lifecycle notifications
type LifecycleSource interface {
	// Listen start reading the lifecycle notifications of one job queue
	Listen(ctxt context.Context, queue string, handler NotificationHandler) (LifecycleListener, error)
}

// LifecyclePublisher publishes job queue lifecycle notifications
type LifecyclePublisher interface {
	// Publish publish one lifecycle notification
	Publish(ctxt context.Context, note models.LifecycleNotification) error
}

// lifecycleSubject the NATS subject of one queue's notifications of one kind
func lifecycleSubject(prefix, queue string, kind models.LifecycleKind) string {
	return fmt.Sprintf("%s.%s.%s", prefix, queue, kind)
}

// ========================================================================================

// natsLifecycleSource implements LifecycleSource over core NATS subjects
type natsLifecycleSource struct {
	common.Component
	client   *core.NatsClient
	prefix   string
	validate *validator.Validate
}

// GetNATSLifecycleSource define a LifecycleSource reading from NATS subjects
// <prefix>.<queue>.<kind>
func GetNATSLifecycleSource(client *core.NatsClient, subjectPrefix string) (LifecycleSource, error) {
	if subjectPrefix == "" {
		return nil, fmt.Errorf("lifecycle subject prefix is required")
	}
	logTags := log.Fields{
		"module": "queue", "component": "nats-lifecycle-source", "instance": subjectPrefix,
	}
	return &natsLifecycleSource{
		Component: common.Component{LogTags: logTags},
		client:    client,
		prefix:    subjectPrefix,
		validate:  validator.New(),
	}, nil
}

// natsLifecycleListener implements LifecycleListener
type natsLifecycleListener struct {
	common.Component
	queue    string
	sub      *nats.Subscription
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Listen start reading the lifecycle notifications of one job queue
func (s *natsLifecycleSource) Listen(
	ctxt context.Context, queue string, handler NotificationHandler,
) (LifecycleListener, error) {
	if queue == "" || strings.ContainsAny(queue, ".*> ") {
		return nil, fmt.Errorf("invalid job queue name '%s'", queue)
	}
	logTags := log.Fields{
		"module": "queue", "component": "nats-lifecycle-listener", "instance": queue,
	}
	subject := fmt.Sprintf("%s.%s.*", s.prefix, queue)
	lclCtxt, cancel := context.WithCancel(ctxt)

	sub, err := s.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		note, err := s.parse(queue, msg)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Dropping malformed notification on %s", msg.Subject,
			)
			return
		}
		if err := handler(lclCtxt, note); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to forward notification %s", note)
		}
	})
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", subject)
		return nil, err
	}
	if err := s.client.Conn().Flush(); err != nil {
		cancel()
		_ = sub.Unsubscribe()
		log.WithError(err).WithFields(logTags).Errorf("Unable to confirm subscription to %s", subject)
		return nil, err
	}
	log.WithFields(logTags).Infof("Listening for lifecycle notifications on %s", subject)
	return &natsLifecycleListener{
		Component: common.Component{LogTags: logTags},
		queue:     queue,
		sub:       sub,
		cancel:    cancel,
	}, nil
}

// parse convert a NATS message into a LifecycleNotification
func (s *natsLifecycleSource) parse(queue string, msg *nats.Msg) (models.LifecycleNotification, error) {
	tokens := strings.Split(msg.Subject, ".")
	kind, err := models.ParseLifecycleKind(tokens[len(tokens)-1])
	if err != nil {
		return models.LifecycleNotification{}, err
	}
	var note models.LifecycleNotification
	if err := json.Unmarshal(msg.Data, &note); err != nil {
		return models.LifecycleNotification{}, err
	}
	if err := s.validate.Struct(&note); err != nil {
		return models.LifecycleNotification{}, err
	}
	note.Queue = queue
	note.Kind = kind
	return note, nil
}

// Queue the job queue listened to
func (l *natsLifecycleListener) Queue() string {
	return l.queue
}

// Stop stop listening
func (l *natsLifecycleListener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.cancel()
		err = l.sub.Unsubscribe()
		if err != nil {
			log.WithError(err).WithFields(l.LogTags).Error("Unsubscribe failed")
		} else {
			log.WithFields(l.LogTags).Info("Stopped listening")
		}
	})
	return err
}

// ========================================================================================

// natsLifecyclePublisher implements LifecyclePublisher
type natsLifecyclePublisher struct {
	common.Component
	client *core.NatsClient
	prefix string
}

// GetNATSLifecyclePublisher define a LifecyclePublisher writing to NATS subjects
// <prefix>.<queue>.<kind>
func GetNATSLifecyclePublisher(client *core.NatsClient, subjectPrefix string) LifecyclePublisher {
	logTags := log.Fields{
		"module": "queue", "component": "nats-lifecycle-publisher", "instance": subjectPrefix,
	}
	return &natsLifecyclePublisher{
		Component: common.Component{LogTags: logTags},
		client:    client,
		prefix:    subjectPrefix,
	}
}

// Publish publish one lifecycle notification
func (p *natsLifecyclePublisher) Publish(
	ctxt context.Context, note models.LifecycleNotification,
) error {
	payload, err := json.Marshal(&note)
	if err != nil {
		return err
	}
	subject := lifecycleSubject(p.prefix, note.Queue, note.Kind)
	if err := p.client.Conn().Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to publish %s", note)
		return err
	}
	if _, ok := ctxt.Deadline(); !ok {
		return p.client.Conn().Flush()
	}
	return p.client.Conn().FlushWithContext(ctxt)
}
