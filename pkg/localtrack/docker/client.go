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

// Package docker talks to the local Docker Engine on behalf of the
// scheduler. It exposes only the operations the runner lifecycle needs.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
	"github.com/localtrack/localtrack/pkg/localtrack/version"
)

// For testing
var NewAPIClient = newEnvAPIClient

var (
	apiClientOnce sync.Once
	apiClient     LocalDaemon
	apiClientErr  error
)

// RunOptions describes one detached worker container.
type RunOptions struct {
	Image string
	Name  string
	Cmd   []string
	Env   []string
	// Binds are host-path or volume bindings in "src:dst" form.
	Binds []string
	// Runtime selects an alternate OCI runtime ("nvidia" for GPU work).
	Runtime string
}

// LocalDaemon is the container-runtime surface the scheduler depends on.
type LocalDaemon interface {
	Close() error
	Ping(ctx context.Context) error
	ServerVersion(ctx context.Context) (types.Version, error)
	// ContainersByPrefix returns all containers, running or exited, whose
	// name starts with prefix.
	ContainersByPrefix(ctx context.Context, prefix string) ([]types.Container, error)
	// ContainerStatus returns the inspect state string ("running",
	// "exited", ...) or "" when the container does not exist.
	ContainerStatus(ctx context.Context, name string) (string, error)
	ContainerLogs(ctx context.Context, w io.Writer, id string) error
	// RunDetached creates and starts a container, pulling the image first
	// when it is not present locally. It does not wait for completion.
	RunDetached(ctx context.Context, opts RunOptions) (string, error)
	// Stop stops (if running) and removes the named container; missing
	// containers are not an error.
	Stop(ctx context.Context, name string) error
	VolumeNames(ctx context.Context) ([]string, error)
}

type localDaemon struct {
	apiClient client.CommonAPIClient
}

// NewLocalDaemon wraps an engine API client.
func NewLocalDaemon(c client.CommonAPIClient) LocalDaemon {
	return &localDaemon{apiClient: c}
}

// GetAPIClient returns the process-wide daemon handle, building it from
// the environment on first use.
func GetAPIClient(ctx context.Context) (LocalDaemon, error) {
	apiClientOnce.Do(func() {
		c, err := NewAPIClient()
		apiClient = NewLocalDaemon(c)
		apiClientErr = err
	})
	return apiClient, apiClientErr
}

// newEnvAPIClient builds a docker client from DOCKER_HOST and friends,
// negotiating the highest API version both sides support.
func newEnvAPIClient() (client.CommonAPIClient, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
		client.WithHTTPHeaders(map[string]string{"User-Agent": version.UserAgent()}),
	)
	if err != nil {
		return nil, fmt.Errorf("getting docker client: %w", err)
	}
	return cli, nil
}

func (l *localDaemon) Close() error {
	return l.apiClient.Close()
}

func (l *localDaemon) Ping(ctx context.Context) error {
	_, err := l.apiClient.Ping(ctx)
	return err
}

func (l *localDaemon) ServerVersion(ctx context.Context) (types.Version, error) {
	return l.apiClient.ServerVersion(ctx)
}

func (l *localDaemon) ContainersByPrefix(ctx context.Context, prefix string) ([]types.Container, error) {
	containers, err := l.apiClient.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s containers: %w", prefix, err)
	}
	return filterByNamePrefix(containers, prefix), nil
}

// filterByNamePrefix keeps containers whose name actually starts with
// prefix. The engine's name filter matches substrings, which would count
// unrelated containers toward the concurrency bound.
func filterByNamePrefix(containers []types.Container, prefix string) []types.Container {
	var out []types.Container
	for _, c := range containers {
		for _, name := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(name, "/"), prefix) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (l *localDaemon) ContainerStatus(ctx context.Context, name string) (string, error) {
	inspect, err := l.apiClient.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("inspecting container %s: %w", name, err)
	}
	return inspect.State.Status, nil
}

func (l *localDaemon) ContainerLogs(ctx context.Context, w io.Writer, id string) error {
	rc, err := l.apiClient.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

func (l *localDaemon) RunDetached(ctx context.Context, opts RunOptions) (string, error) {
	if err := l.pullIfMissing(ctx, opts.Image); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image: opts.Image,
		Cmd:   opts.Cmd,
		Env:   opts.Env,
	}
	hostCfg := &container.HostConfig{
		// Host networking lets the worker reach a MinIO endpoint published
		// on the loopback interface.
		NetworkMode: "host",
		Binds:       opts.Binds,
		Runtime:     opts.Runtime,
	}
	created, err := l.apiClient.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", opts.Name, err)
	}
	if err := l.apiClient.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", opts.Name, err)
	}
	log.Entry(ctx).Infof("started container %s (%s) with command %v", opts.Name, created.ID, opts.Cmd)
	return created.ID, nil
}

func (l *localDaemon) pullIfMissing(ctx context.Context, image string) error {
	if _, _, err := l.apiClient.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	log.Entry(ctx).Infof("pulling image %s", image)
	rc, err := l.apiClient.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", image, err)
	}
	defer rc.Close()
	// The pull happens while the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling %s: %w", image, err)
	}
	return nil
}

func (l *localDaemon) Stop(ctx context.Context, name string) error {
	inspect, err := l.apiClient.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspecting container %s: %w", name, err)
	}
	if inspect.State.Running {
		if err := l.apiClient.ContainerStop(ctx, inspect.ID, container.StopOptions{}); err != nil {
			return fmt.Errorf("stopping container %s: %w", name, err)
		}
		log.Entry(ctx).Infof("container %s stopped", name)
	}
	if err := l.apiClient.ContainerRemove(ctx, inspect.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	log.Entry(ctx).Infof("container %s removed", name)
	return nil
}

func (l *localDaemon) VolumeNames(ctx context.Context) ([]string, error) {
	resp, err := l.apiClient.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	var names []string
	for _, v := range resp.Volumes {
		names = append(names, v.Name)
	}
	return names, nil
}
