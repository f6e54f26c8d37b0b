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

package drain

import (
	"context"
	"fmt"
	"time"

	"github.com/adobe/k8s-cycler/pkg/metrics"
	"github.com/adobe/k8s-cycler/pkg/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	kubectldrain "k8s.io/kubectl/pkg/drain"
	"k8s.io/utils/ptr"
)

// Outcome is how a drain attempt ended
type Outcome int

const (
	// OutcomeDrained means every evictable pod left the node within the timeout
	OutcomeDrained Outcome = iota
	// OutcomeTimedOut means the drain timeout elapsed and the remaining pods were force deleted
	OutcomeTimedOut
	// OutcomeFailed means eviction failed for another reason and the remaining pods were force deleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDrained:
		return "drained"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Escalated reports whether the drain fell back to forced pod deletion
func (o Outcome) Escalated() bool {
	return o != OutcomeDrained
}

// EvictFunc cooperatively evicts every evictable pod of a node, honoring disruption budgets,
// until ctx is done
type EvictFunc func(ctx context.Context, node *v1.Node) error

// Executor drains nodes
type Executor struct {
	client  kubernetes.Interface
	timeout time.Duration
	evict   EvictFunc
	logger  *log.Entry
}

// NewExecutor returns an Executor bounding each cooperative drain by timeout. A nil evict
// defaults to the kubectl drain helper
func NewExecutor(client kubernetes.Interface, timeout time.Duration, evict EvictFunc, logger *log.Entry) *Executor {
	e := &Executor{
		client:  client,
		timeout: timeout,
		evict:   evict,
		logger:  logger,
	}
	if e.evict == nil {
		e.evict = e.kubectlEvict
	}
	return e
}

func (e *Executor) kubectlEvict(ctx context.Context, node *v1.Node) error {
	out := e.logger.WithField("node", node.Name).WriterLevel(log.InfoLevel)
	defer out.Close()
	errOut := e.logger.WithField("node", node.Name).WriterLevel(log.WarnLevel)
	defer errOut.Close()

	helper := &kubectldrain.Helper{
		Ctx:                 ctx,
		Client:              e.client,
		Force:               true,
		GracePeriodSeconds:  -1,
		IgnoreAllDaemonSets: true,
		DeleteEmptyDirData:  true,
		Timeout:             e.timeout,
		Out:                 out,
		ErrOut:              errOut,
	}

	return kubectldrain.RunNodeDrain(helper, node.Name)
}

// Drain evicts the workload of a node. Eviction is bounded by the drain timeout; on timeout or any
// other eviction error every remaining non-DaemonSet, non-static pod is deleted with a zero grace
// period, once. Forced deletion failures, listing included, are logged, not retried, and never
// fail the drain. An error is only returned when ctx is done
func (e *Executor) Drain(ctx context.Context, node *v1.Node) (Outcome, error) {
	logger := e.logger.WithFields(log.Fields{
		"node":         node.Name,
		"drainTimeout": e.timeout.String(),
	})
	logger.Info("Draining node")

	drainCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err := e.evict(drainCtx, node)
	deadlineExceeded := drainCtx.Err() == context.DeadlineExceeded
	cancel()

	if ctx.Err() != nil {
		return OutcomeFailed, errors.Wrapf(ctx.Err(), "drain of node %s interrupted", node.Name)
	}

	var outcome Outcome
	switch {
	case err == nil:
		logger.Info("Node drained")
		return OutcomeDrained, nil
	case deadlineExceeded || isTimeout(err):
		outcome = OutcomeTimedOut
		logger.WithError(err).Warn("Drain timed out, force deleting remaining pods")
	default:
		outcome = OutcomeFailed
		logger.WithError(err).Warn("Drain failed, force deleting remaining pods")
	}

	e.forceDeletePods(ctx, node.Name, logger)
	if ctx.Err() != nil {
		return outcome, errors.Wrapf(ctx.Err(), "forced deletion on node %s interrupted", node.Name)
	}
	return outcome, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// podsForNode returns the pods bound to a node, skipping DaemonSet and static pods
func (e *Executor) podsForNode(ctx context.Context, nodeName string, logger *log.Entry) ([]v1.Pod, error) {
	podList, err := e.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", nodeName),
	})
	if err != nil {
		return nil, err
	}

	var pods []v1.Pod
	for _, pod := range podList.Items {
		if pod.Spec.NodeName != nodeName {
			continue
		}
		if utils.IsDaemonSetOrStaticPod(pod) {
			logger.Debugf("Skipping %s as it is part of a DaemonSet or is a static pod", pod.Name)
			continue
		}
		pods = append(pods, pod)
	}
	return pods, nil
}

// forceDeletePods deletes the remaining pods of a node in a single pass
func (e *Executor) forceDeletePods(ctx context.Context, nodeName string, logger *log.Entry) {
	pods, err := e.podsForNode(ctx, nodeName, logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to list pods for forced deletion")
		metrics.CyclerPodErrorsTotal.WithLabelValues("", "list").Inc()
		return
	}

	deletePropagationBackground := metav1.DeletePropagationBackground
	deleteOptions := metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To[int64](0),
		PropagationPolicy:  &deletePropagationBackground,
	}

	for _, pod := range pods {
		podLogger := logger.WithFields(log.Fields{
			"pod":       pod.Name,
			"namespace": pod.Namespace,
		})
		podLogger.Info("Force deleting pod")

		err := e.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, deleteOptions)
		if err != nil {
			podLogger.WithError(err).Warn("Failed to force delete pod")
			metrics.CyclerPodErrorsTotal.WithLabelValues(pod.Namespace, "delete").Inc()
			continue
		}
		metrics.CyclerForcedPodDeletionsTotal.Inc()
	}

	logger.WithField("count", len(pods)).Info("Forced pod deletion finished")
}
