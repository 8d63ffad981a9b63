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

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusUnknown.Terminal())
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		description string
		statuses    []Status
		expected    Status
	}{
		{description: "no media", statuses: nil, expected: StatusUnknown},
		{description: "single queued", statuses: []Status{StatusQueued}, expected: StatusQueued},
		{description: "single running", statuses: []Status{StatusRunning}, expected: StatusRunning},
		{description: "single success", statuses: []Status{StatusSuccess}, expected: StatusSuccess},
		{description: "failure wins over running", statuses: []Status{StatusRunning, StatusFailed}, expected: StatusFailed},
		{description: "running wins over queued", statuses: []Status{StatusQueued, StatusRunning}, expected: StatusRunning},
		{description: "queued wins over success", statuses: []Status{StatusSuccess, StatusQueued}, expected: StatusQueued},
		{description: "all success", statuses: []Status{StatusSuccess, StatusSuccess}, expected: StatusSuccess},
		{description: "unknown member", statuses: []Status{StatusSuccess, StatusUnknown}, expected: StatusUnknown},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			media := make([]Media, len(test.statuses))
			for i, s := range test.statuses {
				media[i] = Media{Status: s}
			}
			assert.Equal(t, test.expected, DeriveStatus(media))
		})
	}
}
