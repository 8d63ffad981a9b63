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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/localtrack/localtrack/pkg/localtrack/docker"
	"github.com/localtrack/localtrack/pkg/localtrack/monitor"
	"github.com/localtrack/localtrack/pkg/localtrack/notify"
	"github.com/localtrack/localtrack/pkg/localtrack/objectstore"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
	"github.com/localtrack/localtrack/pkg/localtrack/scheduler"
	"github.com/localtrack/localtrack/pkg/localtrack/store"
)

// NewCmdDaemon runs the dispatcher daemon.
func NewCmdDaemon() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the dispatcher daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fatal(err)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := objectstore.New(objectstore.Options{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
	})
	if err != nil {
		return fatal(err)
	}

	// The daemon refuses to start when its collaborators are unreachable;
	// a short retry window covers compose-style startup races.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error {
		return gateway.VerifyUpload(ctx, cfg.Minio.RootBucket, cfg.Minio.TrackPrefix)
	}, policy); err != nil {
		return fatal(fmt.Errorf("could not upload to the object store, check credentials: %w", err))
	}

	daemon, err := docker.GetAPIClient(ctx)
	if err != nil {
		return fatal(err)
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error {
		return daemon.Ping(ctx)
	}, policy); err != nil {
		return fatal(fmt.Errorf("container runtime not available: %w", err))
	}
	if v, err := daemon.ServerVersion(ctx); err == nil {
		log.Entry(ctx).Infof("docker engine %s (api %s)", v.Version, v.APIVersion)
	}

	jobs, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fatal(err)
	}
	defer jobs.Close()

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return fatal(fmt.Errorf("creating temp dir %s: %w", cfg.TempDir, err))
	}

	webhook := &notify.Webhook{URL: cfg.NotifyURL}
	mailer := &notify.Mailer{Host: cfg.Mail.Host, Port: cfg.Mail.Port, From: cfg.Mail.From}

	env := scheduler.RunnerEnv{
		RootBucket:       cfg.Minio.RootBucket,
		TrackPrefix:      cfg.Minio.TrackPrefix,
		TrackConfig:      cfg.Monitors.Docker.TrackConfig,
		Region:           cfg.Region,
		AccessKey:        cfg.AccessKey,
		SecretKey:        cfg.SecretKey,
		ExternalEndpoint: cfg.ExternalEndpoint,
		TempDir:          cfg.TempDir,
		Mode:             cfg.Mode,
		GPU:              cfg.NumGPUs > 0,
	}
	dockerMon, err := scheduler.NewDockerMonitor(ctx, jobs, daemon, gateway, webhook, mailer, env,
		cfg.Monitors.Docker.MaxConcurrent, time.Duration(cfg.Monitors.Docker.CheckEverySecs)*time.Second)
	if err != nil {
		return fatal(err)
	}

	modelSync := monitor.NewModelSyncMonitor(gateway, cfg.Minio.RootBucket, cfg.Minio.ModelPrefix,
		cfg.Monitors.Models.Path, time.Duration(cfg.Monitors.Models.CheckEverySecs)*time.Second)

	monitors := []monitor.Monitor{dockerMon, modelSync}
	if h := cfg.Monitors.HTTP; h != nil && h.URL != "" {
		monitors = append(monitors, monitor.NewHTTPMonitor(h.Method, h.URL,
			time.Duration(h.TimeoutSecs)*time.Second, time.Duration(h.CheckEverySecs)*time.Second))
	}

	log.Entry(ctx).Infof("dispatcher starting with %d monitors", len(monitors))
	monitor.NewDispatcher(monitors...).Run(ctx)
	log.Entry(ctx).Info("dispatcher stopped")
	return nil
}
