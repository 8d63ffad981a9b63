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

// Package notify delivers terminal-transition notifications: a multipart
// webhook POST and, when configured, a completion email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
	"github.com/localtrack/localtrack/pkg/localtrack/store"
)

// Webhook POSTs job results to a configured URL. A nil or empty-URL
// webhook skips silently so callers never need to branch.
type Webhook struct {
	URL    string
	Client *http.Client
}

// Send posts a multipart form with two parts: "metadata" (JSON, includes
// job_id) and "file" (the result archive bytes, empty on failure so the
// subscriber still observes the terminal transition). A non-2xx response
// is logged, never propagated; webhook outcomes must not revert job state.
func (w *Webhook) Send(ctx context.Context, job *store.Job, archivePath string) {
	if w == nil || w.URL == "" {
		log.Entry(ctx).Warn("no notify url configured, skipping notification")
		return
	}

	metadata, err := store.DecodeMetadata(job.MetadataB64)
	if err != nil {
		log.Entry(ctx).Warnf("undecodable metadata for job %d: %v", job.ID, err)
		metadata = store.Metadata{}
	}
	metadata["job_id"] = job.ID

	var archive []byte
	fileName := "empty.tar.gz"
	if archivePath != "" {
		archive, err = os.ReadFile(archivePath)
		if err != nil {
			log.Entry(ctx).Errorf("reading result archive %s: %v", archivePath, err)
			archive = nil
		} else {
			fileName = fmt.Sprintf("%d.tar.gz", job.ID)
		}
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		log.Entry(ctx).Errorf("marshaling notification metadata: %v", err)
		return
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		log.Entry(ctx).Errorf("building notification: %v", err)
		return
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		log.Entry(ctx).Errorf("building notification: %v", err)
		return
	}
	if _, err := part.Write(archive); err != nil {
		log.Entry(ctx).Errorf("building notification: %v", err)
		return
	}
	if err := mw.Close(); err != nil {
		log.Entry(ctx).Errorf("building notification: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, body)
	if err != nil {
		log.Entry(ctx).Errorf("building notification request: %v", err)
		return
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	log.Entry(ctx).Infof("sending notification for job %d to %s", job.ID, w.URL)
	resp, err := client.Do(req)
	if err != nil {
		log.Entry(ctx).Errorf("failed to send notification for job %d: %v", job.ID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		log.Entry(ctx).Infof("notification for job %d sent successfully", job.ID)
		return
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	log.Entry(ctx).Errorf("failed to send notification for job %d: status %d: %s", job.ID, resp.StatusCode, text)
}
