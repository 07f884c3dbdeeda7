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
	"errors"

	"github.com/alwitt/jobwatch/models"
)

// ErrJobNotFound the job record does not exist
var ErrJobNotFound = errors.New("job not found")

// JobStore read access to the job records of the job queues
type JobStore interface {
	// GetJob fetch one job record
	GetJob(ctxt context.Context, queue, jobID string) (models.Job, error)
	// Ready whether the store is reachable
	Ready(ctxt context.Context) error
	// Close release the store resources
	Close()
}
