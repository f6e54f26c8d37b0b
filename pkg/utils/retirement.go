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
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

// Selector identifies the nodes targeted by a maintenance pass
type Selector struct {
	RoleLabel     string
	Role          string
	RetiringLabel string
	// Token restricts the selection to nodes retired by a given run when set
	Token string
}

// String renders the selector as a label selector
func (s Selector) String() string {
	set := labels.Set{s.RoleLabel: s.Role}
	if s.Token != "" {
		set[s.RetiringLabel] = s.Token
	}
	return set.String()
}

// NewRetirementToken derives the token shared by every node selected in one run
func NewRetirementToken(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10)
}

// ListNodes queries the APIServer for the nodes matching the selector, in listing order
func ListNodes(ctx context.Context, k8sClient kubernetes.Interface, selector Selector, logger *log.Entry) ([]v1.Node, error) {
	logger = logger.WithField("selector", selector.String())

	nodeList, err := k8sClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to list nodes")
		return nil, errors.Wrap(err, "failed to list nodes")
	}

	logger.WithField("count", len(nodeList.Items)).Debug("Listed matching nodes")
	return nodeList.Items, nil
}

// MarkNode sets the retiring label of a node to token, overwriting any previous value
func MarkNode(ctx context.Context, k8sClient kubernetes.Interface, nodeName, retiringLabel, token string, dryRun bool, logger *log.Entry) error {
	logger = logger.WithFields(log.Fields{
		"node":          nodeName,
		"retiringLabel": retiringLabel,
		"token":         token,
		"dryRun":        dryRun,
	})

	node, err := k8sClient.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to get node %s", nodeName)
	}

	if node.Labels == nil {
		node.Labels = make(map[string]string)
	}

	if previous, ok := node.Labels[retiringLabel]; ok && previous != token {
		logger.WithField("previousToken", previous).Warn("Node already retired by another run, overwriting token")
	}
	node.Labels[retiringLabel] = token

	if dryRun {
		logger.Info("DRY-RUN: Would label node")
		return nil
	}

	_, err = k8sClient.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to update node %s with retiring label", nodeName)
	}

	logger.Info("Node labeled as retiring")
	return nil
}

// MarkNodes labels every node with token before any of them is cycled
func MarkNodes(ctx context.Context, k8sClient kubernetes.Interface, retrier *Retrier, nodes []v1.Node, retiringLabel, token string, dryRun bool, logger *log.Entry) error {
	logger.WithFields(log.Fields{
		"token":     token,
		"nodeCount": len(nodes),
	}).Info("Labeling nodes as retiring")

	for _, node := range nodes {
		name := node.Name
		err := retrier.Do(ctx, "label-node", func(ctx context.Context) error {
			return MarkNode(ctx, k8sClient, name, retiringLabel, token, dryRun, logger)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ClearRetirement removes the retiring label from a node. A node without the label is left untouched
func ClearRetirement(ctx context.Context, k8sClient kubernetes.Interface, nodeName, retiringLabel string, logger *log.Entry) error {
	logger = logger.WithFields(log.Fields{
		"node":          nodeName,
		"retiringLabel": retiringLabel,
	})

	node, err := k8sClient.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to get node %s", nodeName)
	}

	if !NodeHasLabel(*node, retiringLabel) {
		logger.Debug("Node has no retiring label, nothing to clear")
		return nil
	}

	nodeCopy := node.DeepCopy()
	delete(nodeCopy.Labels, retiringLabel)

	_, err = k8sClient.CoreV1().Nodes().Update(ctx, nodeCopy, metav1.UpdateOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to remove retiring label from node %s", nodeName)
	}

	logger.Info("Retiring label cleared")
	return nil
}
