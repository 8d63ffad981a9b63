/*
Copyright 2023 The Localtrack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store persists jobs and their media rows in a sqlite file shared
// by the control plane and the daemon. The control plane only ever inserts
// QUEUED rows; every other transition belongs to the scheduler, so row
// updates never race across processes.
package store

import (
	"database/sql"
	"time"
)

// Status is a media lifecycle state. Jobs have no stored status; see
// DeriveStatus.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusUnknown Status = "UNKNOWN"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// JobType enumerates runner kinds. Only docker jobs are in scope.
type JobType string

// JobTypeDocker is the only job type currently dispatched.
const JobTypeDocker JobType = "DOCKER"

// Job is a persistent unit of work: one model invocation over one input
// video. Engine holds the container image reference; Model the
// object-store URI of the model artifact.
type Job struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	Engine      string         `db:"engine"`
	Model       string         `db:"model"`
	Args        string         `db:"args"`
	Email       sql.NullString `db:"email"`
	JobType     JobType        `db:"job_type"`
	MetadataB64 string         `db:"metadata_b64"`
	CreatedAt   time.Time      `db:"created_at"`

	Media []Media `db:"-"`
}

// Media is one input video belonging to a job. Name is the source URL;
// MetadataB64 accumulates result details (s3_path, num_tracks,
// processing_time_secs) as the scheduler reports them.
type Media struct {
	ID          int64     `db:"id"`
	JobID       int64     `db:"job_id"`
	Name        string    `db:"name"`
	Status      Status    `db:"status"`
	MetadataB64 string    `db:"metadata_b64"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// DeriveStatus computes a job's effective status from its media rows.
// FAILED wins over RUNNING wins over QUEUED; SUCCESS requires every row to
// have succeeded.
func DeriveStatus(media []Media) Status {
	if len(media) == 0 {
		return StatusUnknown
	}
	var anyRunning, anyQueued bool
	allSuccess := true
	for _, m := range media {
		switch m.Status {
		case StatusFailed:
			return StatusFailed
		case StatusRunning:
			anyRunning = true
		case StatusQueued:
			anyQueued = true
		}
		if m.Status != StatusSuccess {
			allSuccess = false
		}
	}
	switch {
	case anyRunning:
		return StatusRunning
	case anyQueued:
		return StatusQueued
	case allSuccess:
		return StatusSuccess
	default:
		return StatusUnknown
	}
}
