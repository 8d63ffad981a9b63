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

package scheduler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localtrack/localtrack/pkg/localtrack/constants"
	"github.com/localtrack/localtrack/pkg/localtrack/docker"
	"github.com/localtrack/localtrack/pkg/localtrack/notify"
	"github.com/localtrack/localtrack/pkg/localtrack/store"
)

type fakeDaemon struct {
	statuses map[string]string
	started  []docker.RunOptions
	stopped  []string
	volumes  []string
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{statuses: map[string]string{}}
}

func (f *fakeDaemon) Close() error               { return nil }
func (f *fakeDaemon) Ping(context.Context) error { return nil }

func (f *fakeDaemon) ServerVersion(context.Context) (types.Version, error) {
	return types.Version{}, nil
}

func (f *fakeDaemon) ContainersByPrefix(_ context.Context, prefix string) ([]types.Container, error) {
	var out []types.Container
	for name := range f.statuses {
		if strings.HasPrefix(name, prefix) {
			out = append(out, types.Container{ID: name, Names: []string{"/" + name}})
		}
	}
	return out, nil
}

func (f *fakeDaemon) ContainerStatus(_ context.Context, name string) (string, error) {
	return f.statuses[name], nil
}

func (f *fakeDaemon) ContainerLogs(_ context.Context, w io.Writer, _ string) error {
	_, err := w.Write([]byte("worker output"))
	return err
}

func (f *fakeDaemon) RunDetached(_ context.Context, opts docker.RunOptions) (string, error) {
	f.started = append(f.started, opts)
	f.statuses[opts.Name] = "running"
	return "id-" + opts.Name, nil
}

func (f *fakeDaemon) Stop(_ context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	delete(f.statuses, name)
	return nil
}

func (f *fakeDaemon) VolumeNames(context.Context) ([]string, error) {
	return f.volumes, nil
}

// fakeJobs holds a single job with a single media row, which is all the
// scheduler touches per poll.
type fakeJobs struct {
	job         *store.Job
	transitions []store.Status
	failRunning []int64

	// failUpdates makes that many upcoming status updates error, as a
	// locked sqlite file would.
	failUpdates int
	getJobErr   error
}

func (f *fakeJobs) media() *store.Media {
	if f.job == nil || len(f.job.Media) == 0 {
		return nil
	}
	return &f.job.Media[0]
}

func (f *fakeJobs) NextQueuedMedia(context.Context) (*store.Media, error) {
	if m := f.media(); m != nil && m.Status == store.StatusQueued {
		cp := *m
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeJobs) GetJob(context.Context, int64) (*store.Job, error) {
	if f.getJobErr != nil {
		return nil, f.getJobErr
	}
	if f.job == nil {
		return nil, store.ErrNotFound
	}
	cp := *f.job
	cp.Media = append([]store.Media(nil), f.job.Media...)
	return &cp, nil
}

func (f *fakeJobs) UpdateMediaStatus(_ context.Context, _ int64, status store.Status, extra store.Metadata) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return errors.New("database is locked")
	}
	f.transitions = append(f.transitions, status)
	m := f.media()
	m.Status = status
	if len(extra) > 0 {
		blob, err := store.MergeMetadata(m.MetadataB64, extra)
		if err != nil {
			return err
		}
		m.MetadataB64 = blob
	}
	return nil
}

func (f *fakeJobs) FailRunning(context.Context) ([]int64, error) {
	return f.failRunning, nil
}

type fakeObjects struct {
	bucket string
	key    string
	dir    string
	count  int
}

func (f *fakeObjects) UploadDir(_ context.Context, bucket, s3Path, localDir string, _ []string) (int, error) {
	f.bucket, f.key, f.dir = bucket, s3Path, localDir
	f.count++
	return 1, nil
}

func testEnv(t *testing.T) RunnerEnv {
	t.Helper()
	return RunnerEnv{
		RootBucket:  "bucket",
		TrackPrefix: "tracks",
		TrackConfig: "s3://bucket/track_config/strong_sort.yaml",
		Region:      "us-west-2",
		TempDir:     t.TempDir(),
		Mode:        "dev",
	}
}

func testJobs(videoURL string) *fakeJobs {
	return &fakeJobs{job: &store.Job{
		ID:     1,
		Name:   "yolov5.pt sample sherman swimming",
		Engine: "mbari/strongsort-yolov5:latest",
		Model:  "s3://bucket/models/yolov5.pt",
		Args:   "--conf-thres 0.1",
		Media: []store.Media{{
			ID:     10,
			JobID:  1,
			Name:   videoURL,
			Status: store.StatusQueued,
		}},
	}}
}

func videoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("video bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestMonitor(t *testing.T, jobs *fakeJobs, daemon *fakeDaemon, objects *fakeObjects) *DockerMonitor {
	t.Helper()
	m, err := NewDockerMonitor(context.Background(), jobs, daemon, objects,
		&notify.Webhook{}, &notify.Mailer{}, testEnv(t), 1, 15*time.Second)
	require.NoError(t, err)
	return m
}

func TestDispatchRunsQueuedJob(t *testing.T) {
	srv := videoServer(t)
	jobs := testJobs(srv.URL + "/video/sample.mp4")
	daemon := newFakeDaemon()
	m := newTestMonitor(t, jobs, daemon, &fakeObjects{})

	require.NoError(t, m.Check(context.Background()))

	assert.Equal(t, []store.Status{store.StatusRunning}, jobs.transitions)
	require.Len(t, daemon.started, 1)
	opts := daemon.started[0]
	assert.True(t, strings.HasPrefix(opts.Name, constants.ContainerPrefix+"-"))
	assert.Equal(t, "mbari/strongsort-yolov5:latest", opts.Image)
	assert.Equal(t, constants.Entrypoint, opts.Cmd[0])
	assert.Contains(t, opts.Cmd, "--model-s3")
	assert.Contains(t, opts.Cmd, "s3://bucket/models/yolov5.pt")
	assert.Contains(t, opts.Cmd, "--args")
	assert.Empty(t, opts.Runtime)
	require.Len(t, m.runners, 1)

	// Input video landed in the runner's input dir.
	runner := m.runners[1]
	assert.FileExists(t, filepath.Join(runner.inDir, "sample.mp4"))
}

func TestDispatchBackpressure(t *testing.T) {
	jobs := testJobs("http://host/video/sample.mp4")
	daemon := newFakeDaemon()
	m := newTestMonitor(t, jobs, daemon, &fakeObjects{})
	// A prefix-named container appearing after startup occupies the only slot.
	daemon.statuses[constants.ContainerPrefix+"-20230801T120000Z"] = "running"

	require.NoError(t, m.Check(context.Background()))

	assert.Empty(t, jobs.transitions)
	assert.Empty(t, daemon.started)
	assert.Equal(t, store.StatusQueued, jobs.media().Status)
}

func TestReconcileSuccess(t *testing.T) {
	srv := videoServer(t)
	jobs := testJobs(srv.URL + "/video/sample.mp4")
	daemon := newFakeDaemon()
	objects := &fakeObjects{}
	m := newTestMonitor(t, jobs, daemon, objects)

	require.NoError(t, m.Check(context.Background()))
	require.Len(t, m.runners, 1)
	runner := m.runners[1]

	// The worker exits after producing a result archive.
	writeArchive(t, filepath.Join(runner.OutputDir(), "result.tar.gz"), map[string]string{
		"f001.json": trackDoc("uuid-a", "uuid-b"),
	})
	daemon.statuses[runner.ContainerName()] = "exited"

	require.NoError(t, m.Check(context.Background()))

	assert.Equal(t, []store.Status{store.StatusRunning, store.StatusSuccess}, jobs.transitions)
	assert.Empty(t, m.runners)
	assert.Contains(t, daemon.stopped, runner.ContainerName())

	assert.Equal(t, 1, objects.count)
	assert.Equal(t, "bucket", objects.bucket)
	assert.True(t, strings.HasPrefix(objects.key, "tracks/"))
	assert.True(t, strings.HasSuffix(objects.key, "/output"))

	metadata, err := store.DecodeMetadata(jobs.media().MetadataB64)
	require.NoError(t, err)
	assert.Equal(t, runner.OutputPrefix()+"/output/result.tar.gz", metadata["s3_path"])
	assert.Equal(t, float64(2), metadata["num_tracks"])
	assert.Contains(t, metadata, "processing_time_secs")
}

func TestReconcileFailureWithoutArchive(t *testing.T) {
	srv := videoServer(t)
	jobs := testJobs(srv.URL + "/video/sample.mp4")
	daemon := newFakeDaemon()
	objects := &fakeObjects{}
	m := newTestMonitor(t, jobs, daemon, objects)

	require.NoError(t, m.Check(context.Background()))
	runner := m.runners[1]
	daemon.statuses[runner.ContainerName()] = "exited"

	require.NoError(t, m.Check(context.Background()))

	assert.Equal(t, []store.Status{store.StatusRunning, store.StatusFailed}, jobs.transitions)
	assert.Empty(t, m.runners)
	assert.Zero(t, objects.count)
}

func TestReconcileRetriesAfterStoreError(t *testing.T) {
	srv := videoServer(t)
	jobs := testJobs(srv.URL + "/video/sample.mp4")
	daemon := newFakeDaemon()
	objects := &fakeObjects{}
	m := newTestMonitor(t, jobs, daemon, objects)

	require.NoError(t, m.Check(context.Background()))
	require.Len(t, m.runners, 1)
	runner := m.runners[1]

	writeArchive(t, filepath.Join(runner.OutputDir(), "result.tar.gz"), map[string]string{
		"f001.json": trackDoc("uuid-a"),
	})
	daemon.statuses[runner.ContainerName()] = "exited"

	// The SUCCESS write fails; the runner must stay registered and the
	// container untouched so the next poll can retry.
	jobs.failUpdates = 1
	require.NoError(t, m.Check(context.Background()))
	assert.Len(t, m.runners, 1)
	assert.Equal(t, store.StatusRunning, jobs.media().Status)
	assert.Empty(t, daemon.stopped)
	assert.Zero(t, objects.count)

	// The store recovered; the retry completes the job.
	require.NoError(t, m.Check(context.Background()))
	assert.Empty(t, m.runners)
	assert.Equal(t, []store.Status{store.StatusRunning, store.StatusSuccess}, jobs.transitions)
	assert.Contains(t, daemon.stopped, runner.ContainerName())
	assert.Equal(t, 1, objects.count)
}

func TestDispatchLoadJobError(t *testing.T) {
	jobs := testJobs("http://host/video/sample.mp4")
	daemon := newFakeDaemon()
	m := newTestMonitor(t, jobs, daemon, &fakeObjects{})

	// The job snapshot fails to load; the media must stay QUEUED so the
	// next poll can retry the dispatch.
	jobs.getJobErr = errors.New("database is locked")
	assert.Error(t, m.Check(context.Background()))
	assert.Empty(t, jobs.transitions)
	assert.Equal(t, store.StatusQueued, jobs.media().Status)
	assert.Empty(t, daemon.started)
	assert.Empty(t, m.runners)

	jobs.getJobErr = nil
	srv := videoServer(t)
	jobs.media().Name = srv.URL + "/video/sample.mp4"
	require.NoError(t, m.Check(context.Background()))
	assert.Equal(t, []store.Status{store.StatusRunning}, jobs.transitions)
	assert.Len(t, daemon.started, 1)
}

func TestReconcileExpiredContainer(t *testing.T) {
	srv := videoServer(t)
	jobs := testJobs(srv.URL + "/video/sample.mp4")
	daemon := newFakeDaemon()
	m := newTestMonitor(t, jobs, daemon, &fakeObjects{})

	require.NoError(t, m.Check(context.Background()))
	runner := m.runners[1]
	runner.startUTC = time.Now().UTC().Add(-2 * constants.ContainerWaitTimeout)

	require.NoError(t, m.Check(context.Background()))

	assert.Contains(t, daemon.stopped, runner.ContainerName())
	assert.Equal(t, []store.Status{store.StatusRunning, store.StatusFailed}, jobs.transitions)
	assert.Empty(t, m.runners)
}

func TestStartupReconciliation(t *testing.T) {
	jobs := testJobs("http://host/video/sample.mp4")
	jobs.media().Status = store.StatusRunning
	jobs.failRunning = []int64{1}

	daemon := newFakeDaemon()
	orphan := constants.ContainerPrefix + "-20230801T120000Z"
	daemon.statuses[orphan] = "running"

	newTestMonitor(t, jobs, daemon, &fakeObjects{})

	assert.Contains(t, daemon.stopped, orphan)
	assert.NotContains(t, daemon.statuses, orphan)
}

func TestRunnerProdScratchVolume(t *testing.T) {
	srv := videoServer(t)
	jobs := testJobs(srv.URL + "/video/sample.mp4")
	daemon := newFakeDaemon()
	daemon.volumes = []string{"other", "compose_scratch_data"}

	env := testEnv(t)
	env.Mode = "prod"
	m, err := NewDockerMonitor(context.Background(), jobs, daemon, &fakeObjects{},
		&notify.Webhook{}, &notify.Mailer{}, env, 1, 15*time.Second)
	require.NoError(t, err)

	require.NoError(t, m.Check(context.Background()))
	require.Len(t, daemon.started, 1)
	assert.Equal(t, []string{"compose_scratch_data:" + env.TempDir}, daemon.started[0].Binds)
}

func TestRunnerGPURuntime(t *testing.T) {
	srv := videoServer(t)
	jobs := testJobs(srv.URL + "/video/sample.mp4")
	daemon := newFakeDaemon()

	env := testEnv(t)
	env.GPU = true
	m, err := NewDockerMonitor(context.Background(), jobs, daemon, &fakeObjects{},
		&notify.Webhook{}, &notify.Mailer{}, env, 1, 15*time.Second)
	require.NoError(t, err)

	require.NoError(t, m.Check(context.Background()))
	require.Len(t, daemon.started, 1)
	assert.Equal(t, "nvidia", daemon.started[0].Runtime)
}
