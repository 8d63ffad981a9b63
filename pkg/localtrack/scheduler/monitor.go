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

// Package scheduler runs queued jobs on a bounded pool of worker
// containers and collects their results.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/localtrack/localtrack/pkg/localtrack/constants"
	"github.com/localtrack/localtrack/pkg/localtrack/docker"
	"github.com/localtrack/localtrack/pkg/localtrack/notify"
	"github.com/localtrack/localtrack/pkg/localtrack/objectstore"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
	"github.com/localtrack/localtrack/pkg/localtrack/store"
)

// outputSuffixes are the artifact types uploaded from a job's output dir.
var outputSuffixes = []string{".gz", ".json", ".mp4", ".txt"}

// JobStore is the persistence surface the scheduler mutates. Outside of
// the initial QUEUED insert, the scheduler is the only writer of media
// rows.
type JobStore interface {
	NextQueuedMedia(ctx context.Context) (*store.Media, error)
	GetJob(ctx context.Context, id int64) (*store.Job, error)
	UpdateMediaStatus(ctx context.Context, mediaID int64, status store.Status, extra store.Metadata) error
	FailRunning(ctx context.Context) ([]int64, error)
}

// ObjectStore is the upload surface for result artifacts.
type ObjectStore interface {
	UploadDir(ctx context.Context, bucket, s3Path, localDir string, suffixes []string) (int, error)
}

// DockerMonitor is the scheduler: one Check performs a reconcile pass over
// in-flight runners, then a dispatch pass over the queue.
type DockerMonitor struct {
	jobs    JobStore
	daemon  docker.LocalDaemon
	objects ObjectStore
	webhook *notify.Webhook
	mailer  *notify.Mailer

	env           RunnerEnv
	maxConcurrent int
	checkEvery    time.Duration

	// runners is keyed by job id and only touched from Check, which the
	// dispatcher serialises.
	runners map[int64]*Runner
}

// NewDockerMonitor constructs the scheduler and performs startup
// reconciliation: rows stuck in RUNNING are failed and orphaned containers
// removed before the first poll.
func NewDockerMonitor(ctx context.Context, jobs JobStore, daemon docker.LocalDaemon, objects ObjectStore,
	webhook *notify.Webhook, mailer *notify.Mailer, env RunnerEnv, maxConcurrent int, checkEvery time.Duration) (*DockerMonitor, error) {
	m := &DockerMonitor{
		jobs:          jobs,
		daemon:        daemon,
		objects:       objects,
		webhook:       webhook,
		mailer:        mailer,
		env:           env,
		maxConcurrent: maxConcurrent,
		checkEvery:    checkEvery,
		runners:       map[int64]*Runner{},
	}
	if err := m.reconcileStartup(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DockerMonitor) Name() string              { return "docker" }
func (m *DockerMonitor) CheckEvery() time.Duration { return m.checkEvery }

// Check runs one poll. Errors from individual jobs are logged and do not
// abort the poll; a failing poll never stops the dispatcher.
func (m *DockerMonitor) Check(ctx context.Context) error {
	ctx = log.WithEventContext(ctx, m.Name(), "check")
	m.reconcile(ctx)
	return m.dispatch(ctx)
}

// reconcile inspects every tracked runner and finishes those whose
// container has exited (or exceeded the wait timeout). A runner is only
// dropped once its terminal state is durably recorded; otherwise it stays
// registered and the next poll retries, so a transient store error cannot
// strand a RUNNING row or leak its container.
func (m *DockerMonitor) reconcile(ctx context.Context) {
	for jobID, runner := range m.runners {
		status, err := runner.Status(ctx)
		if err != nil {
			log.Entry(ctx).Errorf("inspecting job %d: %v", jobID, err)
			continue
		}
		if status == "running" {
			if !runner.Expired() {
				continue
			}
			log.Entry(ctx).Errorf("job %d exceeded the container wait timeout, stopping it", jobID)
			if err := m.daemon.Stop(ctx, runner.ContainerName()); err != nil {
				log.Entry(ctx).Errorf("stopping expired container for job %d: %v", jobID, err)
				continue
			}
		}
		if m.finish(ctx, runner) {
			delete(m.runners, jobID)
		}
	}
}

// finish handles a terminal runner: parse results, persist the transition,
// upload artifacts and notify. The enriched metadata is committed in the
// same transaction as the SUCCESS transition, so a reader that observes
// SUCCESS always sees it. Returns whether the terminal transition was
// recorded; uploads and notifications are best effort once it is.
func (m *DockerMonitor) finish(ctx context.Context, runner *Runner) bool {
	runner.CaptureLogs(ctx)

	if !runner.Successful() {
		log.Entry(ctx).Errorf("job %d produced no result archive", runner.Job.ID)
		return m.fail(ctx, runner)
	}

	resultURI, localPath, numTracks, secs, err := runner.Results()
	if err != nil {
		log.Entry(ctx).Errorf("parsing results of job %d: %v", runner.Job.ID, err)
		return m.fail(ctx, runner)
	}
	err = m.jobs.UpdateMediaStatus(ctx, runner.MediaID, store.StatusSuccess, store.Metadata{
		"s3_path":              resultURI,
		"num_tracks":           numTracks,
		"processing_time_secs": secs,
	})
	if err != nil {
		log.Entry(ctx).Errorf("recording success of job %d: %v", runner.Job.ID, err)
		return false
	}

	bucket, key, err := objectstore.ParseURI(runner.OutputPrefix())
	if err != nil {
		log.Entry(ctx).Errorf("unexpected output prefix of job %d: %v", runner.Job.ID, err)
	} else if _, err := m.objects.UploadDir(ctx, bucket, key+"/output", runner.OutputDir(), outputSuffixes); err != nil {
		log.Entry(ctx).Errorf("uploading artifacts of job %d: %v", runner.Job.ID, err)
	}
	m.notify(ctx, runner.Job.ID, store.StatusSuccess, localPath)
	runner.Cleanup(ctx)
	return true
}

// fail records the FAILED transition, then notifies and releases the
// runner's container and directories. Returns whether the transition was
// recorded.
func (m *DockerMonitor) fail(ctx context.Context, runner *Runner) bool {
	if err := m.jobs.UpdateMediaStatus(ctx, runner.MediaID, store.StatusFailed, nil); err != nil {
		log.Entry(ctx).Errorf("recording failure of job %d: %v", runner.Job.ID, err)
		return false
	}
	m.notify(ctx, runner.Job.ID, store.StatusFailed, "")
	runner.Cleanup(ctx)
	return true
}

// notify re-reads the job so the webhook carries the enriched metadata.
func (m *DockerMonitor) notify(ctx context.Context, jobID int64, status store.Status, archivePath string) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		log.Entry(ctx).Errorf("loading job %d for notification: %v", jobID, err)
		return
	}
	if len(job.Media) > 0 {
		job.MetadataB64 = job.Media[0].MetadataB64
	}
	m.webhook.Send(ctx, job, archivePath)
	m.mailer.SendCompletion(ctx, job, status)
}

// dispatch promotes the oldest queued media when worker capacity allows.
// The concurrency bound counts containers carrying the reserved name
// prefix, which stays authoritative across crashes.
func (m *DockerMonitor) dispatch(ctx context.Context) error {
	media, err := m.jobs.NextQueuedMedia(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	containers, err := m.daemon.ContainersByPrefix(ctx, constants.ContainerPrefix)
	if err != nil {
		return err
	}
	if len(containers) >= m.maxConcurrent {
		log.Entry(ctx).Debugf("%d %s containers active, at capacity", len(containers), constants.ContainerPrefix)
		return nil
	}

	// Snapshot the job before promoting the media, so an error here leaves
	// the row QUEUED for the next poll instead of RUNNING with no runner.
	job, err := m.jobs.GetJob(ctx, media.JobID)
	if err != nil {
		return err
	}
	if err := m.jobs.UpdateMediaStatus(ctx, media.ID, store.StatusRunning, nil); err != nil {
		return err
	}

	runner := NewRunner(m.daemon, m.env, *job, media.ID)
	log.Entry(ctx).Infof("running job %d with output %s", job.ID, runner.OutputPrefix())
	if err := runner.Start(ctx); err != nil {
		log.Entry(ctx).Errorf("starting job %d: %v", job.ID, err)
		if !m.fail(ctx, runner) {
			// Terminal transition not recorded yet; reconcile retries it.
			m.runners[job.ID] = runner
		}
		return nil
	}
	m.runners[job.ID] = runner
	return nil
}

// reconcileStartup recovers from a crash: fail RUNNING rows, notify their
// subscribers, and remove any containers left over from a previous
// incarnation.
func (m *DockerMonitor) reconcileStartup(ctx context.Context) error {
	jobIDs, err := m.jobs.FailRunning(ctx)
	if err != nil {
		return err
	}
	for _, id := range jobIDs {
		log.Entry(ctx).Errorf("job %d was running when the daemon restarted, marked FAILED", id)
		m.notify(ctx, id, store.StatusFailed, "")
	}

	containers, err := m.daemon.ContainersByPrefix(ctx, constants.ContainerPrefix)
	if err != nil {
		return err
	}
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		log.Entry(ctx).Errorf("container %s survived a restart, stopping and removing it", name)
		if err := m.daemon.Stop(ctx, c.ID); err != nil {
			log.Entry(ctx).Warnf("removing orphan container %s: %v", name, err)
		}
	}
	return nil
}
