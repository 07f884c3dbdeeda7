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
	"errors"
	"testing"
	"time"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/alwitt/jobwatch/test/natstest"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKVJobStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := natstest.RunServer(t)
	client, err := natstest.Connect(t, srv)
	assert.Nil(err)
	defer client.Close(context.Background())

	uut, err := GetKVJobStore(client, common.NATSKVJobStoreConfig{Bucket: "jobs"})
	assert.Nil(err)
	defer uut.Close()

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	assert.Nil(uut.Ready(ctxt))

	// Case 0: unknown job
	{
		_, err := uut.GetJob(ctxt, "render", uuid.New().String())
		assert.True(errors.Is(err, ErrJobNotFound))
	}

	// Case 1: write then read
	owner := "user-a"
	jobID := uuid.New().String()
	{
		job := models.Job{
			ID:          jobID,
			Queue:       "render",
			OwnerUserID: &owner,
			State:       "active",
			Progress:    json.RawMessage(`{"pct":10}`),
			CreatedAt:   time.Now().UTC().Truncate(time.Second),
			UpdatedAt:   time.Now().UTC().Truncate(time.Second),
		}
		assert.Nil(uut.PutJob(ctxt, job))
		read, err := uut.GetJob(ctxt, "render", jobID)
		assert.Nil(err)
		assert.Equal(jobID, read.ID)
		assert.Equal("active", read.State)
		assert.Equal(owner, *read.OwnerUserID)
		assert.JSONEq(`{"pct":10}`, string(read.Progress))
	}

	// Case 2: same job ID under a different queue
	{
		_, err := uut.GetJob(ctxt, "transcode", jobID)
		assert.True(errors.Is(err, ErrJobNotFound))
	}

	// Case 3: opening an existing bucket
	{
		other, err := GetKVJobStore(client, common.NATSKVJobStoreConfig{Bucket: "jobs"})
		assert.Nil(err)
		_, err = other.GetJob(ctxt, "render", jobID)
		assert.Nil(err)
	}
}

func TestNATSLifecycleSource(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := natstest.RunServer(t)
	client, err := natstest.Connect(t, srv)
	assert.Nil(err)
	defer client.Close(context.Background())

	prefix := "jobs"
	uut, err := GetNATSLifecycleSource(client, prefix)
	assert.Nil(err)
	publisher := GetNATSLifecyclePublisher(client, prefix)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan models.LifecycleNotification, 10)
	handler := func(_ context.Context, note models.LifecycleNotification) error {
		received <- note
		return nil
	}

	// Case 0: invalid queue names
	{
		_, err := uut.Listen(ctxt, "", handler)
		assert.NotNil(err)
		_, err = uut.Listen(ctxt, "a.b", handler)
		assert.NotNil(err)
	}

	listener, err := uut.Listen(ctxt, "render", handler)
	assert.Nil(err)
	assert.Equal("render", listener.Queue())

	// Case 1: notifications of each kind
	for _, kind := range models.AllLifecycleKinds {
		note := models.LifecycleNotification{Queue: "render", Kind: kind, JobID: "job-1"}
		if kind == models.LifecycleFailed {
			note.Error = "out of memory"
		}
		assert.Nil(publisher.Publish(ctxt, note))
		select {
		case got := <-received:
			assert.Equal(kind, got.Kind)
			assert.Equal("render", got.Queue)
			assert.Equal("job-1", got.JobID)
			assert.Equal(note.Error, got.Error)
		case <-time.After(time.Second * 2):
			assert.Failf("notification not received", "kind %s", kind)
		}
	}

	// Case 2: other queues and malformed notifications are ignored
	{
		assert.Nil(publisher.Publish(ctxt, models.LifecycleNotification{
			Queue: "transcode", Kind: models.LifecycleActive, JobID: "job-2",
		}))
		assert.Nil(client.Conn().Publish("jobs.render.active", []byte("not-json")))
		assert.Nil(client.Conn().Publish("jobs.render.waiting", []byte(`{"jobId":"job-3"}`)))
		assert.Nil(client.Conn().Publish("jobs.render.active", []byte(`{}`)))
		assert.Nil(client.Conn().Flush())
		select {
		case got := <-received:
			assert.Failf("unexpected notification", "%s", got)
		case <-time.After(time.Millisecond * 200):
		}
	}

	// Case 3: stopped listener
	assert.Nil(listener.Stop())
	assert.Nil(listener.Stop())
	{
		assert.Nil(publisher.Publish(ctxt, models.LifecycleNotification{
			Queue: "render", Kind: models.LifecycleActive, JobID: "job-4",
		}))
		select {
		case got := <-received:
			assert.Failf("unexpected notification", "%s", got)
		case <-time.After(time.Millisecond * 200):
		}
	}
}
