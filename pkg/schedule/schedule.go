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

package schedule

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Schedule is a maintenance window opened by a cron schedule and kept open for Duration
type Schedule struct {
	// CronSchedule is the cron expression (supports macros like @daily, @hourly, etc.)
	CronSchedule string
	// Duration is how long the window stays active after the schedule triggers
	Duration time.Duration
	schedule cron.Schedule
}

// NewSchedule parses a cron expression with or without a seconds field. Expressions are evaluated in UTC
func NewSchedule(cronExpr string, duration time.Duration) (*Schedule, error) {
	if cronExpr == "" {
		return nil, errors.New("cron schedule cannot be empty")
	}
	if duration <= 0 {
		return nil, errors.New("duration must be greater than zero")
	}

	// 6 fields first (second minute hour dom month dow), then the 5 fields Kubernetes format
	parser6 := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser6.Parse(cronExpr)
	if err != nil {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		schedule, err = parser5.Parse(cronExpr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse cron schedule: %s", cronExpr)
		}
	}

	return &Schedule{
		CronSchedule: cronExpr,
		Duration:     duration,
		schedule:     schedule,
	}, nil
}

// IsActive checks whether now falls within [trigger, trigger+Duration] of some trigger of the schedule
func (s *Schedule) IsActive(now time.Time) bool {
	if s.schedule == nil {
		return false
	}
	now = now.UTC()
	// first trigger at or after now-Duration
	trigger := s.schedule.Next(now.Add(-s.Duration).Add(-time.Nanosecond))
	return !trigger.IsZero() && !trigger.After(now)
}

// NextStart returns now when the window is active, otherwise the next time it opens.
// The zero time means the schedule never triggers again
func (s *Schedule) NextStart(now time.Time) time.Time {
	if s.IsActive(now) {
		return now
	}
	return s.schedule.Next(now.UTC())
}

// WaitUntilActive blocks until the window is active or ctx is done
func (s *Schedule) WaitUntilActive(ctx context.Context) error {
	for {
		now := time.Now()
		next := s.NextStart(now)
		if next.IsZero() {
			return errors.Errorf("maintenance window %q never opens again", s.CronSchedule)
		}
		if !next.After(now) {
			return nil
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
