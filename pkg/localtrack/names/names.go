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

// Package names generates human-readable job names. Names need not be
// unique; the integer job id is the identity.
package names

import (
	"fmt"
	"math/rand"
	"net/url"
	"path"
	"strings"
)

// Characters from the Sherman's Lagoon comic strip.
var lagoonNames = []string{
	"sherman",
	"fillmore",
	"ernie",
	"megan",
	"herman",
	"thor",
	"shelly",
	"hawthorne",
	"stillwater",
	"fiona",
	"trixie",
	"olivia",
	"captain_quigley",
}

var lagoonStates = []string{
	"sleeping",
	"sitting",
	"standing",
	"walking",
	"running",
	"jumping",
	"flying",
	"swimming",
	"diving",
	"surfing",
	"fishing",
	"eating",
	"drinking",
	"singing",
	"dancing",
	"laughing",
}

// ForJob builds "{model} {video-stem} {name} {state}" with random draws
// (with replacement) from the two word lists.
func ForJob(model, videoURL string) string {
	return fmt.Sprintf("%s %s %s %s",
		model,
		videoStem(videoURL),
		lagoonNames[rand.Intn(len(lagoonNames))],
		lagoonStates[rand.Intn(len(lagoonStates))],
	)
}

// videoStem extracts the file name sans extension from a video URL,
// falling back to the raw string when it does not parse.
func videoStem(videoURL string) string {
	base := path.Base(videoURL)
	if u, err := url.Parse(videoURL); err == nil && u.Path != "" {
		base = path.Base(u.Path)
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
