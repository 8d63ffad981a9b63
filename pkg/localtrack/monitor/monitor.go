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

// Package monitor drives the daemon's periodic tasks. Each monitor runs on
// its own cadence; a failing check never stops its own loop or a sibling's.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
)

// Monitor is a named periodic task.
type Monitor interface {
	Name() string
	CheckEvery() time.Duration
	Check(ctx context.Context) error
}

// Dispatcher runs a set of monitors until its context is cancelled.
type Dispatcher struct {
	monitors []Monitor
}

// NewDispatcher holds an ordered list of monitors.
func NewDispatcher(monitors ...Monitor) *Dispatcher {
	return &Dispatcher{monitors: monitors}
}

// Run starts one loop per monitor and blocks until ctx is cancelled and
// every in-flight check has completed. Checks are never interrupted
// mid-flight; cancellation only stops new polls.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range d.monitors {
		wg.Add(1)
		go func(m Monitor) {
			defer wg.Done()
			d.loop(ctx, m)
		}(m)
	}
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, m Monitor) {
	mctx := log.WithEventContext(ctx, m.Name(), "monitor")
	log.Entry(mctx).Infof("monitor %s checking every %s", m.Name(), m.CheckEvery())
	for {
		start := time.Now()
		// Checks run on a background context so shutdown lets them finish.
		if err := m.Check(log.WithEventContext(context.Background(), m.Name(), "check")); err != nil {
			log.Entry(mctx).Errorf("check failed: %v", err)
		}
		log.Entry(mctx).Debugf("check took %.3f seconds", time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			log.Entry(mctx).Infof("monitor %s stopping", m.Name())
			return
		case <-time.After(m.CheckEvery()):
		}
	}
}
