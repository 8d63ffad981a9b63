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

// Package probe checks that an input video URL is reachable before a job
// is admitted.
package probe

import (
	"context"
	"net/http"

	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
)

// VideoProbe HEADs video URLs. A zero value uses http.DefaultClient.
type VideoProbe struct {
	Client *http.Client
}

// Available reports whether url answers a HEAD request with a 2xx status.
func (p *VideoProbe) Available(ctx context.Context, url string) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		log.Entry(ctx).Infof("video %s is not reachable: %v", url, err)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Entry(ctx).Infof("video %s is not reachable: %v", url, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Entry(ctx).Infof("video %s is not available: %s", url, resp.Status)
		return false
	}
	log.Entry(ctx).Debugf("video %s is available", url)
	return true
}
