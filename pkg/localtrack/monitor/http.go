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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
)

// HTTPMonitor polls a URL on a cadence and logs the response, typically
// pointed at the control plane's /health endpoint.
type HTTPMonitor struct {
	method     string
	url        string
	client     *http.Client
	checkEvery time.Duration
}

// NewHTTPMonitor builds a monitor issuing method requests against url.
func NewHTTPMonitor(method, url string, timeout, checkEvery time.Duration) *HTTPMonitor {
	return &HTTPMonitor{
		method:     method,
		url:        url,
		client:     &http.Client{Timeout: timeout},
		checkEvery: checkEvery,
	}
}

func (m *HTTPMonitor) Name() string              { return "http" }
func (m *HTTPMonitor) CheckEvery() time.Duration { return m.checkEvery }

func (m *HTTPMonitor) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, m.method, m.url, nil)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", m.method, m.url, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", m.method, m.url, err)
	}
	defer resp.Body.Close()
	n, _ := io.Copy(io.Discard, resp.Body)

	log.Entry(ctx).Infof("%s %s: %s (%d bytes)", m.method, m.url, resp.Status, n)
	return nil
}
