/*
Copyright 2022 Adobe. All rights reserved.
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
	"context"
	"sync"
	"time"

	"github.com/adobe/k8s-cycler/pkg/cycle"
	"github.com/adobe/k8s-cycler/pkg/metrics"
	"github.com/adobe/k8s-cycler/pkg/schedule"
	"github.com/adobe/k8s-cycler/pkg/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	v1 "k8s.io/api/core/v1"
)

// Cycler takes a single node through its maintenance cycle
type Cycler interface {
	Cycle(ctx context.Context, nodeName string, observe cycle.Observer) (cycle.Result, error)
}

// Handler encapsulates the logic of a maintenance pass
type Handler struct {
	appContext *utils.AppContext
	cycler     Cycler
	retrier    *utils.Retrier
	// window gates the admission of new nodes when set
	window *schedule.Schedule
	logger *log.Entry
}

// Summary is the outcome of a maintenance pass
type Summary struct {
	// Token is the retirement token to resume the pass with
	Token     string
	Completed []string
	// Degraded lists the completed nodes whose pods had to be force deleted
	Degraded []string
}

// NewHandler returns a new Handler for the given application context
func NewHandler(appContext *utils.AppContext, cycler Cycler, retrier *utils.Retrier, window *schedule.Schedule) *Handler {
	logger := log.WithFields(log.Fields{
		"runID":  appContext.RunID,
		"dryRun": appContext.IsDryRun(),
	})
	return &Handler{
		appContext: appContext,
		cycler:     cycler,
		retrier:    retrier,
		window:     window,
		logger:     logger,
	}
}

func (h *Handler) selector(token string) utils.Selector {
	return utils.Selector{
		RoleLabel:     h.appContext.Config.RoleLabel,
		Role:          h.appContext.Config.Role,
		RetiringLabel: h.appContext.Config.RetiringLabel,
		Token:         token,
	}
}

func (h *Handler) listNodes(ctx context.Context, selector utils.Selector) ([]v1.Node, error) {
	var nodes []v1.Node
	err := h.retrier.Do(ctx, "list-nodes", func(ctx context.Context) error {
		var err error
		nodes, err = utils.ListNodes(ctx, h.appContext.K8sClient, selector, h.logger)
		return err
	})
	return nodes, err
}

// Run starts a fresh maintenance pass: every node of the role is labeled with a new retirement
// token before the first cycle begins
func (h *Handler) Run(ctx context.Context) (*Summary, error) {
	token := utils.NewRetirementToken(time.Now())
	logger := h.logger.WithFields(log.Fields{
		"role":  h.appContext.Config.Role,
		"token": token,
	})
	logger.Info("Starting maintenance pass")

	nodes, err := h.listNodes(ctx, h.selector(""))
	if err != nil {
		return nil, err
	}
	logger.Infof("Found %d nodes to cycle", len(nodes))

	if h.appContext.IsDryRun() {
		h.logPlan(nodes, logger)
		return &Summary{Token: token}, nil
	}

	err = utils.MarkNodes(ctx, h.appContext.K8sClient, h.retrier, nodes, h.appContext.Config.RetiringLabel, token, false, h.logger)
	if err != nil {
		return &Summary{Token: token}, err
	}
	logger.Info("Nodes retired, resume an interrupted pass with this token")

	summary, err := h.Dispatch(ctx, nodeNames(nodes))
	summary.Token = token
	return summary, err
}

// Resume continues the pass identified by token with the nodes still carrying it. Nodes are
// not labeled again
func (h *Handler) Resume(ctx context.Context, token string) (*Summary, error) {
	logger := h.logger.WithFields(log.Fields{
		"role":  h.appContext.Config.Role,
		"token": token,
	})
	logger.Info("Resuming maintenance pass")

	nodes, err := h.listNodes(ctx, h.selector(token))
	if err != nil {
		return nil, err
	}
	logger.Infof("Found %d nodes left to cycle", len(nodes))

	if h.appContext.IsDryRun() {
		h.logPlan(nodes, logger)
		return &Summary{Token: token}, nil
	}

	summary, err := h.Dispatch(ctx, nodeNames(nodes))
	summary.Token = token
	return summary, err
}

func (h *Handler) logPlan(nodes []v1.Node, logger *log.Entry) {
	for _, node := range nodes {
		logger.WithField("node", node.Name).Info("DRY-RUN: Would cycle node")
	}
}

// Dispatch cycles the nodes in order with at most MaxNodes cycles in flight, and waits for all of
// them. The first fatal error cancels every other cycle and is returned
func (h *Handler) Dispatch(ctx context.Context, nodeNames []string) (*Summary, error) {
	runTimer := prometheus.NewTimer(metrics.CyclerRunDurationSeconds)
	defer runTimer.ObserveDuration()

	progress := newProgressTracker(h.logger)
	stop, err := progress.start(h.appContext.Config.ProgressInterval)
	if err != nil {
		return &Summary{}, err
	}
	defer stop()

	summary := &Summary{}
	var mu sync.Mutex

	slots := semaphore.NewWeighted(int64(h.appContext.Config.MaxNodes))
	g, gctx := errgroup.WithContext(ctx)

	var admitErr error
	for _, name := range nodeNames {
		if err := slots.Acquire(gctx, 1); err != nil {
			break
		}
		if h.window != nil && !h.window.IsActive(time.Now()) {
			h.logger.WithFields(log.Fields{
				"node":      name,
				"nextStart": h.window.NextStart(time.Now()).String(),
			}).Info("Waiting for the maintenance window to open")
			if err := h.window.WaitUntilActive(gctx); err != nil {
				slots.Release(1)
				if gctx.Err() == nil {
					admitErr = err
				}
				break
			}
		}

		g.Go(func() error {
			defer slots.Release(1)
			metrics.CyclerActiveCycles.Inc()
			defer metrics.CyclerActiveCycles.Dec()

			result, err := h.cycler.Cycle(gctx, name, progress.observe)
			progress.done(name)
			if err != nil {
				metrics.CyclerErrorsTotal.Inc()
				return err
			}

			metrics.CyclerCycledNodesTotal.Inc()
			mu.Lock()
			summary.Completed = append(summary.Completed, result.Node)
			if result.Degraded() {
				metrics.CyclerDegradedNodesTotal.Inc()
				summary.Degraded = append(summary.Degraded, result.Node)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}
	if admitErr != nil {
		return summary, admitErr
	}
	if ctx.Err() != nil {
		return summary, errors.Wrap(ctx.Err(), "maintenance pass interrupted")
	}
	return summary, nil
}

func nodeNames(nodes []v1.Node) []string {
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	return names
}
