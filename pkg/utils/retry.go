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

package utils

import (
	"context"
	"time"

	"github.com/adobe/k8s-cycler/pkg/metrics"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultRetryAttempts is how many times an API operation is tried before giving up
	DefaultRetryAttempts = 12
	// DefaultRetryDelay is the fixed delay between two attempts
	DefaultRetryDelay = 8 * time.Second
)

// ErrRetriesExhausted is returned once an operation failed on every attempt. It is fatal to the whole run
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retrier runs API operations with a bounded number of attempts and a fixed delay between them
type Retrier struct {
	attempts uint
	delay    time.Duration
	logger   *log.Entry
}

// NewRetrier returns a Retrier trying every operation up to attempts times
func NewRetrier(attempts uint, delay time.Duration, logger *log.Entry) *Retrier {
	return &Retrier{attempts: attempts, delay: delay, logger: logger}
}

// Do runs fn until it succeeds. When every attempt failed the returned error wraps ErrRetriesExhausted;
// when ctx is cancelled while waiting the context error is returned instead
func (r *Retrier) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	logger := r.logger.WithField("operation", operation)

	err := retry.Do(
		func() error {
			err := fn(ctx)
			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.CyclerAPIServerRequestsTotal.WithLabelValues(operation, status).Inc()
			return err
		},
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			// also called after the last attempt
			if n+1 < r.attempts {
				logger.WithError(err).Warnf("Attempt %d/%d failed, retrying in %s", n+1, r.attempts, r.delay)
			}
		}),
	)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "%s interrupted", operation)
	}

	metrics.CyclerRetriesExhaustedTotal.WithLabelValues(operation).Inc()
	logger.WithError(err).Errorf("Giving up after %d attempts", r.attempts)
	return errors.Wrapf(ErrRetriesExhausted, "%s failed %d times, last error: %v", operation, r.attempts, err)
}
