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

package translator

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/jobwatch/bus"
	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/dispatch"
	"github.com/alwitt/jobwatch/models"
	"github.com/alwitt/jobwatch/queue"
	"github.com/apex/log"
)

// Config EventTranslator parameters
type Config struct {
	// ConsumerBuffer is the number of notifications buffered per queue
	ConsumerBuffer int
	// FetchTimeout is the max duration of a single job record fetch
	FetchTimeout time.Duration
}

// EventTranslator bridges job queue lifecycle notifications into job updates,
// and client commands into subscription changes
type EventTranslator interface {
	// ListenToQueue start translating the lifecycle notifications of a job queue
	ListenToQueue(queueName string) error
	// Queues list the job queues being listened to
	Queues() []string
	// HandleCommand process one Job command.
	//
	// Returns false if the command action is not supported.
	HandleCommand(ctxt context.Context, cmd models.Command) (bool, error)
	// Stop stop listening to every job queue
	Stop() error
}

// queueConsumer the listener and work loop of one job queue
type queueConsumer struct {
	listener queue.LifecycleListener
	tp       common.TaskProcessor
}

// eventTranslatorImpl implements EventTranslator
type eventTranslatorImpl struct {
	common.Component
	operationContext context.Context
	wg               *sync.WaitGroup
	config           Config
	eventBus         bus.EventBus
	dispatcher       dispatch.Dispatcher
	source           queue.LifecycleSource
	store            queue.JobStore
	lock             sync.Mutex
	consumers        map[string]queueConsumer
}

// GetEventTranslator define a new EventTranslator, and register it with the
// event bus as the Job command handler
func GetEventTranslator(
	ctxt context.Context,
	instance string,
	config Config,
	eventBus bus.EventBus,
	dispatcher dispatch.Dispatcher,
	source queue.LifecycleSource,
	store queue.JobStore,
	wg *sync.WaitGroup,
) (EventTranslator, error) {
	logTags := log.Fields{
		"module": "translator", "component": "event-translator", "instance": instance,
	}
	if config.ConsumerBuffer < 1 {
		return nil, fmt.Errorf("consumer buffer must be at least 1, got %d", config.ConsumerBuffer)
	}
	if config.FetchTimeout <= 0 {
		return nil, fmt.Errorf("job fetch timeout must be positive")
	}
	instanceObj := &eventTranslatorImpl{
		Component:        common.Component{LogTags: logTags},
		operationContext: ctxt,
		wg:               wg,
		config:           config,
		eventBus:         eventBus,
		dispatcher:       dispatcher,
		source:           source,
		store:            store,
		consumers:        make(map[string]queueConsumer),
	}
	if err := eventBus.RegisterHandler(
		models.EntityJob,
		[]string{
			models.ActionSubscribe,
			models.ActionUnsubscribe,
			models.ActionUnregister,
			models.ActionUpdate,
		},
		instanceObj.HandleCommand,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register command handler")
		return nil, err
	}
	return instanceObj, nil
}

// ListenToQueue start translating the lifecycle notifications of a job queue
func (t *eventTranslatorImpl) ListenToQueue(queueName string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.consumers[queueName]; ok {
		return fmt.Errorf("already listening to job queue %s", queueName)
	}

	tp, err := common.GetNewTaskProcessorInstance(
		t.operationContext, fmt.Sprintf("queue-%s", queueName), t.config.ConsumerBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to define work loop for %s", queueName)
		return err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(models.LifecycleNotification{}), t.processNotification,
	); err != nil {
		return err
	}
	if err := tp.StartEventLoop(t.wg); err != nil {
		return err
	}

	listener, err := t.source.Listen(
		t.operationContext,
		queueName,
		func(ctxt context.Context, note models.LifecycleNotification) error {
			return tp.Submit(ctxt, note)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to listen to job queue %s", queueName)
		_ = tp.StopEventLoop()
		return err
	}

	t.consumers[queueName] = queueConsumer{listener: listener, tp: tp}
	log.WithFields(t.LogTags).Infof("Listening to job queue %s", queueName)
	return nil
}

// Queues list the job queues being listened to
func (t *eventTranslatorImpl) Queues() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	result := make([]string, 0, len(t.consumers))
	for name := range t.consumers {
		result = append(result, name)
	}
	return result
}

// processNotification translate one lifecycle notification into a job update
func (t *eventTranslatorImpl) processNotification(param interface{}) error {
	note, ok := param.(models.LifecycleNotification)
	if !ok {
		return fmt.Errorf("unexpected task param %s", reflect.TypeOf(param))
	}

	fetchCtxt, cancel := context.WithTimeout(t.operationContext, t.config.FetchTimeout)
	job, err := t.store.GetJob(fetchCtxt, note.Queue, note.JobID)
	cancel()
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to fetch job for %s, dropping", note)
		return nil
	}

	update := models.UpdateEvent{
		EntityType: models.EntityJob,
		Action:     models.ActionUpdate,
		ResourceID: note.JobID,
		Audience:   models.AudienceOf(job.OwnerUserID),
		Queue:      note.Queue,
		Lifecycle:  note.Kind,
		Payload:    job,
	}
	handled, err := t.eventBus.HandleCommand(t.operationContext, models.Command{
		Entity: models.EntityJob,
		Action: models.ActionUpdate,
		Context: models.CommandContext{
			Action: models.ActionUpdate, Queue: note.Queue, JobID: note.JobID,
		},
		Update: &update,
	})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to deliver %s", update)
	} else if !handled {
		log.WithFields(t.LogTags).Warnf("No handler took update %s", update)
	}
	return nil
}

// subscriptionAction the subscription action a command refers to
func subscriptionAction(cmd models.Command) string {
	if cmd.Context.Action == "" {
		return models.ActionUpdate
	}
	return cmd.Context.Action
}

// HandleCommand process one Job command
func (t *eventTranslatorImpl) HandleCommand(
	ctxt context.Context, cmd models.Command,
) (bool, error) {
	localLogTags, err := common.UpdateLogTags(ctxt, t.LogTags)
	if err != nil {
		localLogTags = t.LogTags
	}
	switch cmd.Action {
	case models.ActionUnregister:
		t.eventBus.SubscriptionRegistry().UnregisterConnection(
			cmd.Context.UserID, cmd.Context.ConnectionID,
		)
		return true, nil

	case models.ActionSubscribe:
		scope := t.eventBus.Subscriptions(cmd.Entity, subscriptionAction(cmd))
		if err := scope.Subscribe(
			cmd.Context.JobID, cmd.Context.UserID, cmd.Context.ConnectionID,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf("Subscribe failed: %s", cmd)
			return true, err
		}
		return true, nil

	case models.ActionUnsubscribe:
		scope := t.eventBus.Subscriptions(cmd.Entity, subscriptionAction(cmd))
		if err := scope.Unsubscribe(
			cmd.Context.JobID, cmd.Context.UserID, cmd.Context.ConnectionID,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf("Unsubscribe failed: %s", cmd)
			return true, err
		}
		return true, nil

	case models.ActionUpdate:
		if cmd.Update == nil {
			return true, fmt.Errorf("update command carries no update")
		}
		_, err := t.dispatcher.Deliver(ctxt, *cmd.Update)
		return true, err

	default:
		log.WithFields(localLogTags).Debugf("Unhandled command %s", cmd)
		return false, nil
	}
}

// Stop stop listening to every job queue
func (t *eventTranslatorImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	var firstErr error
	for name, consumer := range t.consumers {
		if err := consumer.listener.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := consumer.tp.StopEventLoop(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.consumers, name)
	}
	return firstErr
}
