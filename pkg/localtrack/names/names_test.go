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

package names

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForJob(t *testing.T) {
	name := ForJob("yolov5.pt", "http://host:8090/video/dive_4501.mp4")

	parts := strings.Fields(name)
	require.Len(t, parts, 4)
	assert.Equal(t, "yolov5.pt", parts[0])
	assert.Equal(t, "dive_4501", parts[1])
	assert.Contains(t, lagoonNames, parts[2])
	assert.Contains(t, lagoonStates, parts[3])
}

func TestVideoStem(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"http://host/video/sample.mp4", "sample"},
		{"http://host/video/sample.mp4?token=abc", "sample"},
		{"sample.mp4", "sample"},
		{"http://host/video/noext", "noext"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, videoStem(test.url), test.url)
	}
}
