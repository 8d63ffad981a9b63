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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/localtrack/localtrack/pkg/localtrack/constants"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
)

const (
	TPJob   = "job"
	TPMedia = "media"
)

// ErrNotFound is returned when a job or media row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS ` + TPJob + ` (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL,
	engine       TEXT NOT NULL,
	model        TEXT NOT NULL,
	args         TEXT NOT NULL DEFAULT '',
	email        TEXT,
	job_type     TEXT NOT NULL DEFAULT 'DOCKER',
	metadata_b64 TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ` + TPMedia + ` (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       INTEGER NOT NULL REFERENCES ` + TPJob + `(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL,
	metadata_b64 TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_media_status ON ` + TPMedia + `(status);
CREATE INDEX IF NOT EXISTS idx_media_job ON ` + TPMedia + `(job_id);
`

// Store is the durable job store. It is safe for use from both processes;
// each mutation runs in its own short transaction.
type Store struct {
	db *sqlx.DB
}

// Open creates dir if needed and opens (or initialises) the sqlite store
// inside it.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir %s: %w", dir, err)
	}
	file := filepath.Join(dir, constants.DatabaseFile)
	log.Entry(ctx).Infof("initializing job store at %s", file)

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_loc=UTC", file)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	// sqlite serialises writers; a single connection avoids SQLITE_BUSY
	// churn under the two-process access pattern.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating job store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertJob inserts job plus one QUEUED media row for videoURL and returns
// the assigned job id. This is the only write the control plane performs.
func (s *Store) InsertJob(ctx context.Context, job *Job, videoURL string) (int64, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning insert tx: %w", err)
	}
	defer tx.Rollback()

	if job.JobType == "" {
		job.JobType = JobTypeDocker
	}
	query, args, err := sqrl.Insert(TPJob).
		Columns("name", "engine", "model", "args", "email", "job_type", "metadata_b64", "created_at").
		Values(job.Name, job.Engine, job.Model, job.Args, job.Email, job.JobType, job.MetadataB64, now).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building job insert: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("inserting job: %w", err)
	}
	jobID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading job id: %w", err)
	}

	query, args, err = sqrl.Insert(TPMedia).
		Columns("job_id", "name", "status", "metadata_b64", "updated_at").
		Values(jobID, videoURL, StatusQueued, job.MetadataB64, now).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building media insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("inserting media: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing insert: %w", err)
	}
	job.ID = jobID
	job.CreatedAt = now
	return jobID, nil
}

func (s *Store) getJob(ctx context.Context, pred sqrl.Sqlizer) (*Job, error) {
	query, args, err := sqrl.Select("*").From(TPJob).Where(pred).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building job select: %w", err)
	}
	var job Job
	if err := s.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("selecting job: %w", err)
	}
	media, err := s.MediaForJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	job.Media = media
	return &job, nil
}

// GetJob returns the job with id and its media rows.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	return s.getJob(ctx, sqrl.Eq{"id": id})
}

// GetJobByName returns the most recent job with name. Names are not
// guaranteed unique; the latest insert wins, matching the id-first API.
func (s *Store) GetJobByName(ctx context.Context, name string) (*Job, error) {
	query, args, err := sqrl.Select("id").From(TPJob).
		Where(sqrl.Eq{"name": name}).OrderBy("id DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building job select: %w", err)
	}
	var id int64
	if err := s.db.GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("selecting job by name: %w", err)
	}
	return s.GetJob(ctx, id)
}

// ListJobs returns all jobs of jobType with their media rows, oldest first.
func (s *Store) ListJobs(ctx context.Context, jobType JobType) ([]Job, error) {
	query, args, err := sqrl.Select("*").From(TPJob).
		Where(sqrl.Eq{"job_type": jobType}).OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building jobs select: %w", err)
	}
	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("selecting jobs: %w", err)
	}
	for i := range jobs {
		media, err := s.MediaForJob(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Media = media
	}
	return jobs, nil
}

// MediaForJob returns the media rows of jobID in insertion order.
func (s *Store) MediaForJob(ctx context.Context, jobID int64) ([]Media, error) {
	query, args, err := sqrl.Select("*").From(TPMedia).
		Where(sqrl.Eq{"job_id": jobID}).OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building media select: %w", err)
	}
	var media []Media
	if err := s.db.SelectContext(ctx, &media, query, args...); err != nil {
		return nil, fmt.Errorf("selecting media: %w", err)
	}
	return media, nil
}

// NextQueuedMedia returns the oldest QUEUED media row, or ErrNotFound when
// the queue is empty. Dispatch order is FIFO over insertion.
func (s *Store) NextQueuedMedia(ctx context.Context) (*Media, error) {
	query, args, err := sqrl.Select("*").From(TPMedia).
		Where(sqrl.Eq{"status": StatusQueued}).OrderBy("id ASC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building queued select: %w", err)
	}
	var m Media
	if err := s.db.GetContext(ctx, &m, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("selecting queued media: %w", err)
	}
	return &m, nil
}

// UpdateMediaStatus transitions mediaID to status and merges extra into its
// metadata blob. Terminal rows are never moved back to a non-terminal
// state, and RUNNING never reverts to QUEUED; forbidden transitions are
// logged and dropped rather than erroring, since they only arise from
// stale observers.
func (s *Store) UpdateMediaStatus(ctx context.Context, mediaID int64, status Status, extra Metadata) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sqrl.Select("*").From(TPMedia).Where(sqrl.Eq{"id": mediaID}).ToSql()
	if err != nil {
		return fmt.Errorf("building media select: %w", err)
	}
	var m Media
	if err := tx.GetContext(ctx, &m, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("selecting media %d: %w", mediaID, err)
	}

	if m.Status.Terminal() && !status.Terminal() {
		log.Entry(ctx).Warnf("media %d is already %s, not updating to %s", mediaID, m.Status, status)
		return nil
	}
	if m.Status == StatusRunning && status == StatusQueued {
		log.Entry(ctx).Warnf("media %d is RUNNING, not reverting to QUEUED", mediaID)
		return nil
	}

	blob := m.MetadataB64
	if len(extra) > 0 {
		if blob, err = MergeMetadata(blob, extra); err != nil {
			return err
		}
	}

	query, args, err = sqrl.Update(TPMedia).
		Set("status", status).
		Set("metadata_b64", blob).
		Set("updated_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": mediaID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building media update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating media %d: %w", mediaID, err)
	}
	return tx.Commit()
}

// FailRunning forcibly fails every RUNNING media row of docker jobs and
// returns the affected job ids. Called once on daemon startup; rows in
// RUNNING cannot have survived a restart.
func (s *Store) FailRunning(ctx context.Context) ([]int64, error) {
	query, args, err := sqrl.Select("m.id", "m.job_id").
		From(TPMedia + " m").
		Join(TPJob + " j ON j.id = m.job_id").
		Where(sqrl.Eq{"m.status": StatusRunning, "j.job_type": JobTypeDocker}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building running select: %w", err)
	}
	rows := []struct {
		ID    int64 `db:"id"`
		JobID int64 `db:"job_id"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("selecting running media: %w", err)
	}

	var jobIDs []int64
	for _, r := range rows {
		if err := s.UpdateMediaStatus(ctx, r.ID, StatusFailed, nil); err != nil {
			return jobIDs, err
		}
		jobIDs = append(jobIDs, r.JobID)
	}
	return jobIDs, nil
}

// DeleteJob removes a job and, through the cascade, its media rows. This
// is the admin purge; it is not exposed on the control plane.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	query, args, err := sqrl.Delete(TPJob).Where(sqrl.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building job delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
