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
)

// reboot sends the reboot command and waits for the maintenance agent to come back.
// The outcome of the command itself is not checked, the agent poll is the only signal
func (c *Cycler) reboot(ctx context.Context, nodeName string, logger *log.Entry) error {
	node, err := c.getNode(ctx, nodeName)
	if err != nil {
		return err
	}
	host := utils.NodeAddress(*node)
	logger = logger.WithField("host", host)

	if err := c.rebooter.Reboot(ctx, host); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(err).Warn("Reboot command returned an error, waiting for the agent anyway")
	}

	return c.poll(ctx, c.opts.AgentPollInterval, false, "maintenance agent", func(ctx context.Context) (bool, error) {
		active, err := c.rebooter.AgentActive(ctx, host)
		if err != nil {
			logger.WithError(err).Debug("Host not reachable yet")
			return false, nil
		}
		if !active {
			logger.Debug("Maintenance agent not active yet")
			return false, nil
		}
		logger.Info("Maintenance agent is active")
		return true, nil
	})
}
