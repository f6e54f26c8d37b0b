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
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingTimes(failures int, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= failures {
			return errors.New("the server is currently unable to handle the request")
		}
		return nil
	}
}

func TestRetrierSucceedsOnLastAttempt(t *testing.T) {
	r := NewRetrier(DefaultRetryAttempts, time.Millisecond, log.WithField("test", t.Name()))

	calls := 0
	err := r.Do(context.Background(), "list-nodes", failingTimes(11, &calls))

	assert.NoError(t, err)
	assert.Equal(t, 12, calls)
}

func TestRetrierExhausted(t *testing.T) {
	r := NewRetrier(DefaultRetryAttempts, time.Millisecond, log.WithField("test", t.Name()))

	calls := 0
	err := r.Do(context.Background(), "list-nodes", failingTimes(12, &calls))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Contains(t, err.Error(), "list-nodes failed 12 times")
	assert.Equal(t, 12, calls)
}

func TestRetrierFirstAttempt(t *testing.T) {
	r := NewRetrier(DefaultRetryAttempts, time.Hour, log.WithField("test", t.Name()))

	calls := 0
	err := r.Do(context.Background(), "get-node", failingTimes(0, &calls))

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrierCancelled(t *testing.T) {
	r := NewRetrier(DefaultRetryAttempts, time.Hour, log.WithField("test", t.Name()))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error)
	go func() {
		done <- r.Do(ctx, "get-node", failingTimes(100, &calls))
	}()

	// the first attempt fails and the retrier sleeps for an hour
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrRetriesExhausted))
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("retrier did not observe the cancelled context")
	}
}
