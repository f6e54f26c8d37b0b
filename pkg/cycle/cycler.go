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

package cycle

import (
	"context"
	"time"

	"github.com/adobe/k8s-cycler/pkg/drain"
	"github.com/adobe/k8s-cycler/pkg/metrics"
	"github.com/adobe/k8s-cycler/pkg/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

// ErrPollTimeout is returned when a wait exceeded the configured poll timeout. Like exhausted
// retries it aborts the whole run and leaves the node labeled for a resume
var ErrPollTimeout = errors.New("poll timeout exceeded")

// Drainer evicts the workload of a node
type Drainer interface {
	Drain(ctx context.Context, node *v1.Node) (drain.Outcome, error)
}

// Rebooter reboots a host and reports when its maintenance agent is back
type Rebooter interface {
	Reboot(ctx context.Context, host string) error
	AgentActive(ctx context.Context, host string) (bool, error)
}

// Observer is notified every time a node enters a new phase
type Observer func(nodeName string, phase Phase)

// Options holds the polling cadence of a cycle
type Options struct {
	RetiringLabel      string
	VolumePollInterval time.Duration
	AgentPollInterval  time.Duration
	ReadyPollInterval  time.Duration
	// PollTimeout bounds every wait when positive. Zero waits forever
	PollTimeout time.Duration
}

// Result describes a finished cycle
type Result struct {
	Node         string
	Phase        Phase
	DrainOutcome drain.Outcome
	Duration     time.Duration
}

// Degraded reports whether the node was cycled only after its pods were force deleted
func (r Result) Degraded() bool {
	return r.DrainOutcome.Escalated()
}

// Cycler takes single nodes through a full maintenance cycle
type Cycler struct {
	client   kubernetes.Interface
	retrier  *utils.Retrier
	drainer  Drainer
	rebooter Rebooter
	opts     Options
	logger   *log.Entry
}

// NewCycler returns a Cycler
func NewCycler(client kubernetes.Interface, retrier *utils.Retrier, drainer Drainer, rebooter Rebooter, opts Options, logger *log.Entry) *Cycler {
	return &Cycler{
		client:   client,
		retrier:  retrier,
		drainer:  drainer,
		rebooter: rebooter,
		opts:     opts,
		logger:   logger,
	}
}

// Cycle runs nodeName from Start to LabelCleared. There is no failed terminal phase: a returned
// error is fatal to the run and the node is left in whatever phase it reached
func (c *Cycler) Cycle(ctx context.Context, nodeName string, observe Observer) (Result, error) {
	result := Result{Node: nodeName, Phase: PhaseStart}
	started := time.Now()

	for !result.Phase.Terminal() {
		if observe != nil {
			observe(nodeName, result.Phase)
		}

		logger := c.logger.WithFields(log.Fields{
			"node":  nodeName,
			"phase": result.Phase.String(),
		})
		logger.Info("Entering phase")

		phaseStarted := time.Now()
		if err := c.step(ctx, &result, logger); err != nil {
			result.Duration = time.Since(started)
			return result, errors.WithMessagef(err, "node %s failed in phase %s", nodeName, result.Phase)
		}
		metrics.CyclerPhaseDurationSeconds.WithLabelValues(result.Phase.String()).Observe(time.Since(phaseStarted).Seconds())

		result.Phase = result.Phase.Next()
	}

	if observe != nil {
		observe(nodeName, result.Phase)
	}
	result.Duration = time.Since(started)

	c.logger.WithFields(log.Fields{
		"node":         nodeName,
		"drainOutcome": result.DrainOutcome.String(),
		"duration":     result.Duration.Round(time.Second).String(),
	}).Info("Node cycle completed")
	return result, nil
}

// step performs the work that moves the node out of its current phase
func (c *Cycler) step(ctx context.Context, result *Result, logger *log.Entry) error {
	switch result.Phase {
	case PhaseStart:
		return c.retrier.Do(ctx, "cordon-node", func(ctx context.Context) error {
			return utils.SetSchedulable(ctx, c.client, result.Node, false)
		})
	case PhaseDraining:
		node, err := c.getNode(ctx, result.Node)
		if err != nil {
			return err
		}
		outcome, err := c.drainer.Drain(ctx, node)
		if err != nil {
			return err
		}
		result.DrainOutcome = outcome
		return nil
	case PhaseAwaitingVolumeDetach:
		return c.waitForVolumeDetach(ctx, result.Node, logger)
	case PhaseRebooting:
		return c.reboot(ctx, result.Node, logger)
	case PhaseAwaitingReady:
		return c.waitForReady(ctx, result.Node, logger)
	case PhaseUncordoned:
		return c.retrier.Do(ctx, "clear-retirement", func(ctx context.Context) error {
			return utils.ClearRetirement(ctx, c.client, result.Node, c.opts.RetiringLabel, logger)
		})
	default:
		return errors.Errorf("unexpected phase %s", result.Phase)
	}
}

func (c *Cycler) getNode(ctx context.Context, nodeName string) (*v1.Node, error) {
	var node *v1.Node
	err := c.retrier.Do(ctx, "get-node", func(ctx context.Context) error {
		var err error
		node, err = c.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		return err
	})
	return node, err
}

// poll evaluates condition every interval until it holds
func (c *Cycler) poll(ctx context.Context, interval time.Duration, immediate bool, what string, condition wait.ConditionWithContextFunc) error {
	var err error
	if c.opts.PollTimeout > 0 {
		err = wait.PollUntilContextTimeout(ctx, interval, c.opts.PollTimeout, immediate, condition)
	} else {
		err = wait.PollUntilContextCancel(ctx, interval, immediate, condition)
	}
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "waiting for %s interrupted", what)
	}
	if wait.Interrupted(err) {
		return errors.Wrapf(ErrPollTimeout, "%s not reached within %s", what, c.opts.PollTimeout)
	}
	return err
}
