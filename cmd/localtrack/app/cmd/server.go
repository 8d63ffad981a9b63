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
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/localtrack/localtrack/pkg/localtrack/catalog"
	"github.com/localtrack/localtrack/pkg/localtrack/objectstore"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
	"github.com/localtrack/localtrack/pkg/localtrack/probe"
	"github.com/localtrack/localtrack/pkg/localtrack/server"
	"github.com/localtrack/localtrack/pkg/localtrack/store"
)

// NewCmdServer runs the job control plane.
func NewCmdServer() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
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

	jobs, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fatal(err)
	}
	defer jobs.Close()

	cat := catalog.New(gateway, cfg.Minio.RootBucket, cfg.Minio.ModelPrefix)
	if err := cat.Refresh(ctx); err != nil {
		// Not fatal: /health keeps reporting the condition until the
		// object store comes up.
		log.Entry(ctx).Warnf("initial model catalog refresh failed: %v", err)
	}

	handler := server.NewHandler(jobs, cat, &probe.VideoProbe{}, cfg.Engine(), cfg.Defaults.Args)
	if cfg.Log.Level != "debug" && cfg.Log.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := server.NewEngine(handler)

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Entry(ctx).Infof("control plane listening on %s", cfg.Server.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fatal(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fatal(err)
	}
	log.Entry(ctx).Info("control plane stopped")
	return nil
}
