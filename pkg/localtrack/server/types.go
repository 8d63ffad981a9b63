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

package server

import "time"

// PredictRequest is the admission body. Metadata is an opaque blob passed
// through to the webhook; Args is an opaque flag string handed to the
// tracker entrypoint.
type PredictRequest struct {
	Model    string         `json:"model" binding:"required"`
	Video    string         `json:"video" binding:"required"`
	Metadata map[string]any `json:"metadata"`
	Args     string         `json:"args"`
	Email    string         `json:"email" binding:"omitempty,email"`
}

// PredictResponse returns the assigned job identity.
type PredictResponse struct {
	Message string `json:"message"`
	JobID   int64  `json:"job_id"`
	JobName string `json:"job_name"`
}

// MessageResponse is the uniform body for liveness, health and errors.
type MessageResponse struct {
	Message string `json:"message"`
}

// ModelsResponse lists the catalog display names.
type ModelsResponse struct {
	Model []string `json:"model"`
}

// StatusResponse is the per-job status payload. The result fields are only
// set once the scheduler has recorded a success.
type StatusResponse struct {
	JobID       int64          `json:"job_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Video       string         `json:"video"`
	Model       string         `json:"model"`
	Args        string         `json:"args"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUpdated time.Time      `json:"last_updated"`
	Metadata    map[string]any `json:"metadata"`

	S3Path             string   `json:"s3_path,omitempty"`
	NumTracks          *int     `json:"num_tracks,omitempty"`
	ProcessingTimeSecs *float64 `json:"processing_time_secs,omitempty"`
}

// JobSummary is one row of the status listing.
type JobSummary struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// JobsResponse lists all docker jobs.
type JobsResponse struct {
	Jobs []JobSummary `json:"jobs"`
}
