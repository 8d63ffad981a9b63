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

package monitor

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/localtrack/localtrack/pkg/localtrack/constants"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
)

// ModelStore is the object-store surface the model sync needs.
type ModelStore interface {
	Head(ctx context.Context, bucket, key string) (bool, error)
	UploadFile(ctx context.Context, bucket, key, localPath string) error
}

// ModelSyncMonitor pushes model files from a local directory to the object
// store so the control plane discovers them on its next catalog refresh.
type ModelSyncMonitor struct {
	objects     ModelStore
	bucket      string
	modelPrefix string
	localDir    string
	checkEvery  time.Duration
}

// NewModelSyncMonitor watches localDir for files with a model suffix.
func NewModelSyncMonitor(objects ModelStore, bucket, modelPrefix, localDir string, checkEvery time.Duration) *ModelSyncMonitor {
	return &ModelSyncMonitor{
		objects:     objects,
		bucket:      bucket,
		modelPrefix: modelPrefix,
		localDir:    localDir,
		checkEvery:  checkEvery,
	}
}

func (m *ModelSyncMonitor) Name() string              { return "models" }
func (m *ModelSyncMonitor) CheckEvery() time.Duration { return m.checkEvery }

// Check uploads every new model file and logs the count.
func (m *ModelSyncMonitor) Check(ctx context.Context) error {
	ok, n := m.Sync(ctx)
	if !ok {
		log.Entry(ctx).Error("model sync finished with errors")
	}
	if n > 0 {
		log.Entry(ctx).Infof("uploaded %d new models", n)
	}
	return nil
}

// Sync walks the local model directory and uploads each file whose
// extension is a model suffix and whose key is not already present.
// Returns whether the walk was error-free and how many files uploaded.
func (m *ModelSyncMonitor) Sync(ctx context.Context) (bool, int) {
	entries, err := os.ReadDir(m.localDir)
	if err != nil {
		log.Entry(ctx).Errorf("reading model dir %s: %v", m.localDir, err)
		return false, 0
	}

	ok := true
	uploaded := 0
	for _, e := range entries {
		if e.IsDir() || !hasModelSuffix(e.Name()) {
			continue
		}
		key := path.Join(m.modelPrefix, e.Name())
		exists, err := m.objects.Head(ctx, m.bucket, key)
		if err != nil {
			log.Entry(ctx).Errorf("heading s3://%s/%s: %v", m.bucket, key, err)
			ok = false
			continue
		}
		if exists {
			continue
		}
		if err := m.objects.UploadFile(ctx, m.bucket, key, filepath.Join(m.localDir, e.Name())); err != nil {
			log.Entry(ctx).Errorf("uploading model %s: %v", e.Name(), err)
			ok = false
			continue
		}
		uploaded++
	}
	return ok, uploaded
}

func hasModelSuffix(name string) bool {
	for _, s := range constants.ModelSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
