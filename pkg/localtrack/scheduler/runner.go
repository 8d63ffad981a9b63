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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/localtrack/localtrack/pkg/localtrack/constants"
	"github.com/localtrack/localtrack/pkg/localtrack/docker"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
	"github.com/localtrack/localtrack/pkg/localtrack/store"
)

// Runner owns one in-flight job: its input/output directories, its
// container, and its start time. Constructed by the dispatch pass,
// released by the reconcile pass.
type Runner struct {
	Job     store.Job // immutable snapshot
	MediaID int64

	daemon        docker.LocalDaemon
	env           RunnerEnv
	containerName string
	outputPrefix  string
	startUTC      time.Time
	inDir         string
	outDir        string
}

// RunnerEnv carries per-deployment settings the runner injects into its
// worker container.
type RunnerEnv struct {
	RootBucket       string
	TrackPrefix      string
	TrackConfig      string
	Region           string
	AccessKey        string
	SecretKey        string
	ExternalEndpoint string
	TempDir          string
	Mode             string
	GPU              bool
}

// NewRunner snapshots job and computes the container name and output
// prefix from the construction time.
func NewRunner(daemon docker.LocalDaemon, env RunnerEnv, job store.Job, mediaID int64) *Runner {
	now := time.Now().UTC()
	ts := now.Format(constants.TimestampLayout)
	return &Runner{
		Job:           job,
		MediaID:       mediaID,
		daemon:        daemon,
		env:           env,
		containerName: fmt.Sprintf("%s-%s", constants.ContainerPrefix, ts),
		outputPrefix:  fmt.Sprintf("s3://%s/%s/%s", env.RootBucket, env.TrackPrefix, ts),
		startUTC:      now,
		inDir:         filepath.Join(env.TempDir, strconv.FormatInt(job.ID, 10), "input"),
		outDir:        filepath.Join(env.TempDir, strconv.FormatInt(job.ID, 10), "output"),
	}
}

// ContainerName returns the reserved-prefix container name.
func (r *Runner) ContainerName() string { return r.containerName }

// OutputPrefix returns s3://{root}/{track-prefix}/{timestamp}.
func (r *Runner) OutputPrefix() string { return r.outputPrefix }

// OutputDir returns the host-side output directory.
func (r *Runner) OutputDir() string { return r.outDir }

// Start prepares the job directories, downloads the input video and
// launches the worker container detached.
func (r *Runner) Start(ctx context.Context) error {
	videoURL := r.videoURL()
	log.Entry(ctx).Infof("processing %s with %s to %s", videoURL, r.Job.Model, r.outputPrefix)

	for _, dir := range []string{r.inDir, r.outDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("cleaning %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := downloadVideo(ctx, videoURL, r.inDir); err != nil {
		return fmt.Errorf("downloading %s: %w", videoURL, err)
	}

	cmd := []string{
		constants.Entrypoint,
		"--model-s3", r.Job.Model,
		"--config-s3", r.env.TrackConfig,
		"-i", r.inDir,
		"-o", r.outDir,
	}
	if r.Job.Args != "" {
		cmd = append(cmd, "--args", r.Job.Args)
	}

	binds, err := r.binds(ctx)
	if err != nil {
		return err
	}

	opts := docker.RunOptions{
		Image: r.Job.Engine,
		Name:  r.containerName,
		Cmd:   cmd,
		Binds: binds,
		Env: []string{
			fmt.Sprintf("JOB_NAME=%s", r.Job.Name),
			fmt.Sprintf("AWS_DEFAULT_REGION=%s", r.env.Region),
			fmt.Sprintf("AWS_ACCESS_KEY_ID=%s", r.env.AccessKey),
			fmt.Sprintf("AWS_SECRET_ACCESS_KEY=%s", r.env.SecretKey),
			fmt.Sprintf("AWS_ENDPOINT_URL=%s", r.env.ExternalEndpoint),
		},
	}
	if r.env.GPU {
		opts.Runtime = "nvidia"
		log.Entry(ctx).Info("attaching nvidia runtime")
	}

	r.startUTC = time.Now().UTC()
	if _, err := r.daemon.RunDetached(ctx, opts); err != nil {
		return err
	}
	return nil
}

// binds mounts the temp root into the container. In prod a scratch volume,
// when present, replaces the host path so the worker sees the same data
// from inside a nested-container deployment.
func (r *Runner) binds(ctx context.Context) ([]string, error) {
	binds := []string{fmt.Sprintf("%s:%s", r.env.TempDir, r.env.TempDir)}
	if r.env.Mode != "prod" {
		return binds, nil
	}
	volumes, err := r.daemon.VolumeNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range volumes {
		if strings.Contains(v, "scratch") {
			binds = []string{fmt.Sprintf("%s:%s", v, r.env.TempDir)}
			break
		}
	}
	return binds, nil
}

// Status returns the container state string, "" when it no longer exists.
func (r *Runner) Status(ctx context.Context) (string, error) {
	return r.daemon.ContainerStatus(ctx, r.containerName)
}

// Expired reports whether the container has been running past the wait
// timeout.
func (r *Runner) Expired() bool {
	return time.Since(r.startUTC) > constants.ContainerWaitTimeout
}

// Successful reports whether the worker produced at least one result
// archive.
func (r *Runner) Successful() bool {
	archives, err := filepath.Glob(filepath.Join(r.outDir, "*.tar.gz"))
	return err == nil && len(archives) > 0
}

// Results returns the result object URI, the local archive path, the
// distinct track count and the processing time in seconds. It is only
// meaningful after Successful() returned true.
func (r *Runner) Results() (resultURI, localPath string, numTracks int, secs float64, err error) {
	archives, err := filepath.Glob(filepath.Join(r.outDir, "*.tar.gz"))
	if err != nil || len(archives) == 0 {
		return "", "", 0, 0, fmt.Errorf("no result archive in %s", r.outDir)
	}
	localPath = archives[0]
	resultURI = fmt.Sprintf("%s/output/%s", r.outputPrefix, filepath.Base(localPath))
	numTracks, err = CountTracks(r.outDir)
	if err != nil {
		return "", "", 0, 0, err
	}
	secs = time.Now().UTC().Sub(r.startUTC).Seconds()
	return resultURI, localPath, numTracks, secs, nil
}

// CaptureLogs writes the container log stream to the job log at debug
// level, best effort.
func (r *Runner) CaptureLogs(ctx context.Context) {
	var sb strings.Builder
	if err := r.daemon.ContainerLogs(ctx, &sb, r.containerName); err != nil {
		log.Entry(ctx).Debugf("no logs for container %s: %v", r.containerName, err)
		return
	}
	log.Entry(ctx).Debugf("container %s logs:\n%s", r.containerName, sb.String())
}

// Cleanup stops and removes the container if still present and deletes the
// per-job directories.
func (r *Runner) Cleanup(ctx context.Context) {
	if err := r.daemon.Stop(ctx, r.containerName); err != nil {
		log.Entry(ctx).Warnf("cleaning up container %s: %v", r.containerName, err)
	}
	for _, dir := range []string{r.inDir, r.outDir} {
		log.Entry(ctx).Debugf("removing %s", dir)
		if err := os.RemoveAll(dir); err != nil {
			log.Entry(ctx).Warnf("removing %s: %v", dir, err)
		}
	}
}

func (r *Runner) videoURL() string {
	if len(r.Job.Media) > 0 {
		return r.Job.Media[0].Name
	}
	return ""
}

// downloadVideo streams url into dir, named after the URL path basename.
func downloadVideo(ctx context.Context, rawURL string, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	name := "video"
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = path.Base(u.Path)
	}
	dest := filepath.Join(dir, name)
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}
	log.Entry(ctx).Infof("downloaded %s to %s", rawURL, dest)
	return nil
}
