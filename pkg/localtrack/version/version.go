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

package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags.
var (
	version   = "unreleased"
	gitCommit = ""
	buildDate = ""
	platform  = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	goVersion = runtime.Version()
)

// Info holds the build metadata reported by the version command and the
// liveness endpoint.
type Info struct {
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
	Platform  string
}

// Get returns the build metadata for this binary.
func Get() *Info {
	return &Info{
		Version:   version,
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: goVersion,
		Platform:  platform,
	}
}

// UserAgent identifies this binary to the services it calls.
func UserAgent() string {
	return fmt.Sprintf("localtrack/%s", version)
}
