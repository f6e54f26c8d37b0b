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

	"github.com/adobe/k8s-cycler/pkg/utils"
	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// waitForReady blocks until the node reports Ready, then makes it schedulable again
func (c *Cycler) waitForReady(ctx context.Context, nodeName string, logger *log.Entry) error {
	err := c.poll(ctx, c.opts.ReadyPollInterval, false, "node readiness", func(ctx context.Context) (bool, error) {
		node, err := c.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			logger.WithError(err).Debug("Failed to get node, will retry")
			return false, nil
		}
		// a cordoned node reports Ready,SchedulingDisabled, which counts
		return utils.NodeIsReady(*node), nil
	})
	if err != nil {
		return err
	}
	logger.Info("Node is ready, uncordoning")

	return c.retrier.Do(ctx, "uncordon-node", func(ctx context.Context) error {
		return utils.SetSchedulable(ctx, c.client, nodeName, true)
	})
}
