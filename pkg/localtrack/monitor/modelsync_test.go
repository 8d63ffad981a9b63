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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModelStore struct {
	existing map[string]bool
	uploaded []string
	headErr  error
}

func (f *fakeModelStore) Head(_ context.Context, _, key string) (bool, error) {
	if f.headErr != nil {
		return false, f.headErr
	}
	return f.existing[key], nil
}

func (f *fakeModelStore) UploadFile(_ context.Context, _, key, _ string) error {
	f.uploaded = append(f.uploaded, key)
	return nil
}

func writeModelDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("weights"), 0o644))
	}
	return dir
}

func TestSyncUploadsNewModels(t *testing.T) {
	dir := writeModelDir(t, "yolov5.pt", "benthic.gz", "notes.txt")
	objects := &fakeModelStore{existing: map[string]bool{}}

	m := NewModelSyncMonitor(objects, "bucket", "models", dir, 30*time.Second)
	ok, n := m.Sync(context.Background())

	assert.True(t, ok)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"models/yolov5.pt", "models/benthic.gz"}, objects.uploaded)
}

func TestSyncSkipsExistingModels(t *testing.T) {
	dir := writeModelDir(t, "yolov5.pt", "midwater.pt")
	objects := &fakeModelStore{existing: map[string]bool{"models/yolov5.pt": true}}

	m := NewModelSyncMonitor(objects, "bucket", "models", dir, 30*time.Second)
	ok, n := m.Sync(context.Background())

	assert.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"models/midwater.pt"}, objects.uploaded)
}

func TestSyncHeadError(t *testing.T) {
	dir := writeModelDir(t, "yolov5.pt")
	objects := &fakeModelStore{headErr: errors.New("store down")}

	m := NewModelSyncMonitor(objects, "bucket", "models", dir, 30*time.Second)
	ok, n := m.Sync(context.Background())

	assert.False(t, ok)
	assert.Zero(t, n)
}

func TestSyncMissingDir(t *testing.T) {
	m := NewModelSyncMonitor(&fakeModelStore{}, "bucket", "models", "/no/such/dir", 30*time.Second)
	ok, n := m.Sync(context.Background())

	assert.False(t, ok)
	assert.Zero(t, n)
}
