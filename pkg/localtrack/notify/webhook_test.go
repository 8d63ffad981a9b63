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

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localtrack/localtrack/pkg/localtrack/store"
)

type receivedForm struct {
	metadata map[string]any
	fileName string
	fileData []byte
}

func webhookSink(t *testing.T, out *receivedForm) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		require.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &out.metadata))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		out.fileName = header.Filename
		out.fileData, err = io.ReadAll(file)
		require.NoError(t, err)

		w.WriteHeader(http.StatusOK)
	}))
}

func TestWebhookSendWithArchive(t *testing.T) {
	var got receivedForm
	srv := webhookSink(t, &got)
	defer srv.Close()

	archive := filepath.Join(t.TempDir(), "result.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("archive bytes"), 0o644))

	blob, err := store.EncodeMetadata(store.Metadata{"camera": "ventana"})
	require.NoError(t, err)
	job := &store.Job{ID: 5, Name: "yolov5.pt sample sherman swimming", MetadataB64: blob}

	w := &Webhook{URL: srv.URL, Client: srv.Client()}
	w.Send(context.Background(), job, archive)

	assert.Equal(t, "ventana", got.metadata["camera"])
	assert.Equal(t, float64(5), got.metadata["job_id"])
	assert.Equal(t, "5.tar.gz", got.fileName)
	assert.Equal(t, []byte("archive bytes"), got.fileData)
}

func TestWebhookSendFailureCarriesEmptyFile(t *testing.T) {
	var got receivedForm
	srv := webhookSink(t, &got)
	defer srv.Close()

	w := &Webhook{URL: srv.URL, Client: srv.Client()}
	w.Send(context.Background(), &store.Job{ID: 9}, "")

	assert.Equal(t, float64(9), got.metadata["job_id"])
	assert.Equal(t, "empty.tar.gz", got.fileName)
	assert.Empty(t, got.fileData)
}

func TestWebhookSendUnconfigured(t *testing.T) {
	// Must not panic or block.
	var w *Webhook
	w.Send(context.Background(), &store.Job{ID: 1}, "")
	(&Webhook{}).Send(context.Background(), &store.Job{ID: 1}, "")
}

func TestWebhookSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Errors are logged, never propagated.
	w := &Webhook{URL: srv.URL, Client: srv.Client()}
	w.Send(context.Background(), &store.Job{ID: 2}, "")
}
