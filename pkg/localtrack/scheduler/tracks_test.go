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
	"archive/tar"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackDoc renders one frame document in the tracker output shape:
// [frame, [[box, {"track_uuid": ...}], ...]].
func trackDoc(uuids ...string) string {
	entries := ""
	for i, id := range uuids {
		if i > 0 {
			entries += ","
		}
		entries += fmt.Sprintf(`[[0,0,10,10],{"track_uuid":%q,"confidence":0.9}]`, id)
	}
	return fmt.Sprintf(`["f001.png",[%s]]`, entries)
}

func writeArchive(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestCountTracks(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "result.tar.gz"), map[string]string{
		"f001.json":            trackDoc("uuid-a", "uuid-b"),
		"f002.json":            trackDoc("uuid-b", "uuid-c"),
		"processing_f003.json": trackDoc("uuid-ignored"),
		"notes.txt":            "not json",
	})

	n, err := CountTracks(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCountTracksAcrossArchives(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "a.tar.gz"), map[string]string{
		"f001.json": trackDoc("uuid-a"),
	})
	writeArchive(t, filepath.Join(dir, "b.tar.gz"), map[string]string{
		"f002.json": trackDoc("uuid-a", "uuid-b"),
	})

	n, err := CountTracks(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCountTracksEmptyDir(t *testing.T) {
	n, err := CountTracks(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCountTracksMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "bad.tar.gz"), map[string]string{
		"f001.json": `{"not":"the expected shape"}`,
	})

	_, err := CountTracks(dir)
	assert.Error(t, err)
}
