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

// Package server is the job control plane: it admits prediction requests,
// validates them against the model catalog and video reachability, and
// answers status queries. It performs no container operations and writes
// nothing but the initial QUEUED insert.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/localtrack/localtrack/pkg/localtrack/catalog"
	"github.com/localtrack/localtrack/pkg/localtrack/names"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
	"github.com/localtrack/localtrack/pkg/localtrack/probe"
	"github.com/localtrack/localtrack/pkg/localtrack/store"
	"github.com/localtrack/localtrack/pkg/localtrack/version"
)

// JobStore is the persistence surface the control plane reads and the one
// insert it performs.
type JobStore interface {
	Ping(ctx context.Context) error
	InsertJob(ctx context.Context, job *store.Job, videoURL string) (int64, error)
	GetJob(ctx context.Context, id int64) (*store.Job, error)
	GetJobByName(ctx context.Context, name string) (*store.Job, error)
	ListJobs(ctx context.Context, jobType store.JobType) ([]store.Job, error)
}

// Handler carries the control-plane dependencies.
type Handler struct {
	jobs        JobStore
	catalog     *catalog.Catalog
	probe       *probe.VideoProbe
	engine      string
	defaultArgs string
}

// NewHandler wires the control plane. engine is the worker image reference
// stamped onto every admitted job; defaultArgs substitutes omitted args.
func NewHandler(jobs JobStore, cat *catalog.Catalog, vp *probe.VideoProbe, engine, defaultArgs string) *Handler {
	return &Handler{
		jobs:        jobs,
		catalog:     cat,
		probe:       vp,
		engine:      engine,
		defaultArgs: defaultArgs,
	}
}

// Root answers the liveness probe.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, MessageResponse{Message: fmt.Sprintf("localtrack %s", version.Get().Version)})
}

// Health reports 200 only when the catalog is non-empty and the store is
// reachable. Refreshing the catalog here keeps /health an end-to-end probe
// of the object store as well.
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.jobs.Ping(ctx); err != nil {
		log.Entry(ctx).Errorf("job store offline: %v", err)
		c.JSON(http.StatusServiceUnavailable, MessageResponse{Message: "database offline"})
		return
	}
	if err := h.catalog.Refresh(ctx); err != nil {
		log.Entry(ctx).Errorf("refreshing model catalog: %v", err)
	}
	if h.catalog.Empty() {
		c.JSON(http.StatusServiceUnavailable, MessageResponse{Message: "no models available"})
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "OK"})
}

// Models lists the catalog after refreshing it, so a sync that completed a
// moment ago is already visible.
func (h *Handler) Models(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.catalog.Refresh(ctx); err != nil {
		log.Entry(ctx).Errorf("refreshing model catalog: %v", err)
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: "could not list models"})
		return
	}
	c.JSON(http.StatusOK, ModelsResponse{Model: h.catalog.Names()})
}

// Predict admits a job: model in catalog, video reachable, then one
// QUEUED insert. Duplicate in-flight videos are allowed and produce
// independent jobs.
func (h *Handler) Predict(c *gin.Context) {
	ctx := c.Request.Context()

	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, MessageResponse{Message: err.Error()})
		return
	}

	if err := h.catalog.Refresh(ctx); err != nil {
		log.Entry(ctx).Errorf("refreshing model catalog: %v", err)
	}
	modelURI, ok := h.catalog.Resolve(req.Model)
	if !ok {
		c.JSON(http.StatusNotFound, MessageResponse{Message: fmt.Sprintf("%s not found", req.Model)})
		return
	}
	if !h.probe.Available(ctx, req.Video) {
		c.JSON(http.StatusNotFound, MessageResponse{Message: fmt.Sprintf("%s not found", req.Video)})
		return
	}

	blob, err := store.EncodeMetadata(req.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, MessageResponse{Message: err.Error()})
		return
	}
	args := req.Args
	if args == "" {
		args = h.defaultArgs
	}

	job := &store.Job{
		Name:        names.ForJob(req.Model, req.Video),
		Engine:      h.engine,
		Model:       modelURI,
		Args:        args,
		Email:       sql.NullString{String: req.Email, Valid: req.Email != ""},
		JobType:     store.JobTypeDocker,
		MetadataB64: blob,
	}
	jobID, err := h.jobs.InsertJob(ctx, job, req.Video)
	if err != nil {
		log.Entry(ctx).Errorf("inserting job: %v", err)
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: "could not queue job"})
		return
	}

	log.Entry(ctx).Infof("queued job %d (%s) for %s", jobID, job.Name, req.Video)
	c.JSON(http.StatusOK, PredictResponse{
		Message: fmt.Sprintf("Video %s queued for processing", req.Video),
		JobID:   jobID,
		JobName: job.Name,
	})
}

// StatusByID answers a status query by integer job id.
func (h *Handler) StatusByID(c *gin.Context) {
	idParam := c.Param("id")
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, MessageResponse{Message: fmt.Sprintf("invalid job id %q", idParam)})
		return
	}
	h.status(c, func(ctx context.Context) (*store.Job, error) {
		return h.jobs.GetJob(ctx, id)
	}, idParam)
}

// StatusByName answers a status query by generated job name.
func (h *Handler) StatusByName(c *gin.Context) {
	name := c.Param("name")
	h.status(c, func(ctx context.Context) (*store.Job, error) {
		return h.jobs.GetJobByName(ctx, name)
	}, name)
}

func (h *Handler) status(c *gin.Context, get func(context.Context) (*store.Job, error), ident string) {
	ctx := c.Request.Context()
	job, err := get(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, MessageResponse{Message: fmt.Sprintf("%s not found", ident)})
			return
		}
		log.Entry(ctx).Errorf("loading job %s: %v", ident, err)
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: "could not load job"})
		return
	}

	resp, err := statusPayload(job)
	if err != nil {
		log.Entry(ctx).Errorf("composing status of job %d: %v", job.ID, err)
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: "could not load job"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// statusPayload flattens a job and its media into the status response,
// lifting the scheduler's result keys out of the metadata blob.
func statusPayload(job *store.Job) (*StatusResponse, error) {
	resp := &StatusResponse{
		JobID:     job.ID,
		Name:      job.Name,
		Status:    string(store.DeriveStatus(job.Media)),
		Model:     job.Model,
		Args:      job.Args,
		CreatedAt: job.CreatedAt,
	}

	blob := job.MetadataB64
	if len(job.Media) > 0 {
		m := job.Media[0]
		resp.Video = m.Name
		resp.LastUpdated = m.UpdatedAt
		blob = m.MetadataB64
	}

	metadata, err := store.DecodeMetadata(blob)
	if err != nil {
		return nil, err
	}
	if v, ok := metadata["s3_path"].(string); ok {
		resp.S3Path = v
		delete(metadata, "s3_path")
	}
	if v, ok := metadata["num_tracks"].(float64); ok {
		n := int(v)
		resp.NumTracks = &n
		delete(metadata, "num_tracks")
	}
	if v, ok := metadata["processing_time_secs"].(float64); ok {
		resp.ProcessingTimeSecs = &v
		delete(metadata, "processing_time_secs")
	}
	resp.Metadata = metadata
	return resp, nil
}

// Status lists id, name and derived status for every docker job.
func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	jobs, err := h.jobs.ListJobs(ctx, store.JobTypeDocker)
	if err != nil {
		log.Entry(ctx).Errorf("listing jobs: %v", err)
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: "could not list jobs"})
		return
	}
	resp := JobsResponse{Jobs: make([]JobSummary, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, JobSummary{
			ID:     j.ID,
			Name:   j.Name,
			Status: string(store.DeriveStatus(j.Media)),
		})
	}
	c.JSON(http.StatusOK, resp)
}
