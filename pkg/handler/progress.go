/*
Copyright 2025 Adobe. All rights reserved.
This file is licensed to you under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License. You may obtain a copy
of the License at http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software distributed under
the License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR REPRESENTATIONS
OF ANY KIND, either express or implied. See the License for the specific language
governing permissions and limitations under the License.
*/

package handler

import (
	"sort"
	"sync"
	"time"

	"github.com/adobe/k8s-cycler/pkg/cycle"
	"github.com/adobe/k8s-cycler/pkg/metrics"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// progressTracker keeps the phase of every in-flight node
type progressTracker struct {
	mu       sync.Mutex
	inFlight map[string]cycle.Phase
	logger   *log.Entry
}

func newProgressTracker(logger *log.Entry) *progressTracker {
	return &progressTracker{
		inFlight: make(map[string]cycle.Phase),
		logger:   logger,
	}
}

func (p *progressTracker) observe(nodeName string, phase cycle.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[nodeName] = phase
	metrics.CyclerNodePhase.WithLabelValues(nodeName).Set(float64(phase))
}

func (p *progressTracker) done(nodeName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, nodeName)
	metrics.CyclerNodePhase.DeleteLabelValues(nodeName)
}

// snapshot returns the in-flight nodes sorted by name with their phase
func (p *progressTracker) snapshot() ([]string, map[string]cycle.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.inFlight))
	phases := make(map[string]cycle.Phase, len(p.inFlight))
	for name, phase := range p.inFlight {
		names = append(names, name)
		phases[name] = phase
	}
	sort.Strings(names)
	return names, phases
}

func (p *progressTracker) report() {
	names, phases := p.snapshot()
	if len(names) == 0 {
		return
	}

	fields := log.Fields{"inFlight": len(names)}
	for _, name := range names {
		fields[name] = phases[name].String()
	}
	p.logger.WithFields(fields).Info("Maintenance pass progress")
}

// start reports progress every interval until the returned func is called. A zero interval disables reporting
func (p *progressTracker) start(interval time.Duration) (func(), error) {
	if interval <= 0 {
		return func() {}, nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create progress scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(p.report),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to schedule progress reporting")
	}

	scheduler.Start()
	return func() {
		if err := scheduler.Shutdown(); err != nil {
			p.logger.WithError(err).Warn("Failed to stop progress reporting")
		}
	}, nil
}
