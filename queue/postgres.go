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
	"fmt"

	"github.com/alwitt/jobwatch/common"
	"github.com/alwitt/jobwatch/models"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresJobStore implements JobStore on the job queue's Postgres tables
type postgresJobStore struct {
	common.Component
	pool     *pgxpool.Pool
	getQuery string
}

// GetPostgresJobStore define a JobStore reading job records from Postgres
func GetPostgresJobStore(
	ctxt context.Context, config common.PostgresJobStoreConfig,
) (JobStore, error) {
	logTags := log.Fields{
		"module": "queue", "component": "postgres-job-store", "instance": config.Table,
	}
	if config.URL == "" {
		return nil, fmt.Errorf("postgres job store requires a connection URL")
	}
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid Postgres connection URL")
		return nil, err
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctxt, poolConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define Postgres pool")
		return nil, err
	}
	return &postgresJobStore{
		Component: common.Component{LogTags: logTags},
		pool:      pool,
		getQuery:  buildGetJobQuery(config.Table),
	}, nil
}

// buildGetJobQuery the query reading one job record
func buildGetJobQuery(table string) string {
	return fmt.Sprintf(
		`SELECT id, queue, owner_user_id, state, progress, result, error, created_at, updated_at
FROM %s WHERE queue = $1 AND id = $2`,
		pgx.Identifier{table}.Sanitize(),
	)
}

// GetJob fetch one job record
func (s *postgresJobStore) GetJob(ctxt context.Context, queue, jobID string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctxt, s.getQuery, queue, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("%s/%s: %w", queue, jobID, ErrJobNotFound)
		}
		return models.Job{}, err
	}
	return job, nil
}

// scanJob read a job record from a row of the get-job query. owner_user_id,
// progress, result and error are nullable.
func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var progress, result []byte
	var jobError *string
	if err := row.Scan(
		&job.ID,
		&job.Queue,
		&job.OwnerUserID,
		&job.State,
		&progress,
		&result,
		&jobError,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return models.Job{}, err
	}
	job.Progress = progress
	job.Result = result
	if jobError != nil {
		job.Error = *jobError
	}
	return job, nil
}

// Ready whether the store is reachable
func (s *postgresJobStore) Ready(ctxt context.Context) error {
	return s.pool.Ping(ctxt)
}

// Close release the store resources
func (s *postgresJobStore) Close() {
	s.pool.Close()
	log.WithFields(s.LogTags).Info("Closed Postgres pool")
}
