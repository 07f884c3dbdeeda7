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
	"fmt"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/core"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// KVJobStore JobStore on a NATS JetStream key-value bucket.
//
// Job records are JSON documents under the key <queue>.<jobId>.
type KVJobStore interface {
	JobStore
	// PutJob write one job record
	PutJob(ctxt context.Context, job models.Job) error
}

// kvJobStoreImpl implements KVJobStore
type kvJobStoreImpl struct {
	common.Component
	client *core.NatsClient
	kv     nats.KeyValue
}

// GetKVJobStore define a JobStore reading job records from a JetStream KV bucket.
//
// The bucket is created if it does not exist.
func GetKVJobStore(
	client *core.NatsClient, config common.NATSKVJobStoreConfig,
) (KVJobStore, error) {
	logTags := log.Fields{
		"module": "queue", "component": "kv-job-store", "instance": config.Bucket,
	}
	kv, err := client.JetStream().KeyValue(config.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		log.WithFields(logTags).Infof("Creating KV bucket %s", config.Bucket)
		kv, err = client.JetStream().CreateKeyValue(&nats.KeyValueConfig{Bucket: config.Bucket})
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open KV bucket")
		return nil, err
	}
	return &kvJobStoreImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
		kv:        kv,
	}, nil
}

// jobKey the KV key of a job record
func jobKey(queue, jobID string) string {
	return fmt.Sprintf("%s.%s", queue, jobID)
}

// GetJob fetch one job record
func (s *kvJobStoreImpl) GetJob(ctxt context.Context, queue, jobID string) (models.Job, error) {
	if err := ctxt.Err(); err != nil {
		return models.Job{}, err
	}
	entry, err := s.kv.Get(jobKey(queue, jobID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return models.Job{}, fmt.Errorf("%s/%s: %w", queue, jobID, ErrJobNotFound)
		}
		return models.Job{}, err
	}
	var job models.Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return models.Job{}, fmt.Errorf("corrupt job record %s/%s: %w", queue, jobID, err)
	}
	if job.Queue == "" {
		job.Queue = queue
	}
	return job, nil
}

// PutJob write one job record
func (s *kvJobStoreImpl) PutJob(ctxt context.Context, job models.Job) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(&job)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(jobKey(job.Queue, job.ID), value)
	return err
}

// Ready whether the store is reachable
func (s *kvJobStoreImpl) Ready(_ context.Context) error {
	if !s.client.Connected() {
		return fmt.Errorf("NATS client not connected")
	}
	return nil
}

// Close release the store resources
func (s *kvJobStoreImpl) Close() {}
