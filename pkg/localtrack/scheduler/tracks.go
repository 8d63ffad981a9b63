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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CountTracks parses every result archive in outDir and returns the number
// of distinct track_uuid values across their JSON members. Files whose
// name contains "processing" are bookkeeping, not detections.
func CountTracks(outDir string) (int, error) {
	archives, err := filepath.Glob(filepath.Join(outDir, "*.tar.gz"))
	if err != nil {
		return 0, fmt.Errorf("globbing %s: %w", outDir, err)
	}
	unique := map[string]struct{}{}
	for _, archive := range archives {
		if err := collectTrackIDs(archive, unique); err != nil {
			return 0, err
		}
	}
	return len(unique), nil
}

func collectTrackIDs(archivePath string, unique map[string]struct{}) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", archivePath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !strings.HasSuffix(hdr.Name, ".json") || strings.Contains(hdr.Name, "processing") {
			continue
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("reading %s from %s: %w", hdr.Name, archivePath, err)
		}
		if err := parseTrackIDs(raw, unique); err != nil {
			return fmt.Errorf("parsing %s from %s: %w", hdr.Name, archivePath, err)
		}
	}
}

// parseTrackIDs walks the tracker output shape
// [_, [[_, {"track_uuid": ...}], ...]] collecting track_uuid strings.
func parseTrackIDs(raw []byte, unique map[string]struct{}) error {
	var doc []json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if len(doc) < 2 {
		return fmt.Errorf("unexpected document shape")
	}
	var entries [][]json.RawMessage
	if err := json.Unmarshal(doc[1], &entries); err != nil {
		return err
	}
	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		var track struct {
			TrackUUID string `json:"track_uuid"`
		}
		if err := json.Unmarshal(entry[1], &track); err != nil {
			return err
		}
		if track.TrackUUID != "" {
			unique[track.TrackUUID] = struct{}{}
		}
	}
	return nil
}
