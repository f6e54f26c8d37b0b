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

	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// waitForVolumeDetach blocks until no VolumeAttachment references the node
func (c *Cycler) waitForVolumeDetach(ctx context.Context, nodeName string, logger *log.Entry) error {
	return c.poll(ctx, c.opts.VolumePollInterval, true, "volume detachment", func(ctx context.Context) (bool, error) {
		attached, err := c.attachedVolumes(ctx, nodeName)
		if err != nil {
			logger.WithError(err).Debug("Failed to list volume attachments, will retry")
			return false, nil
		}
		if attached > 0 {
			logger.WithField("attached", attached).Debug("Waiting for volumes to detach")
			return false, nil
		}
		logger.Info("All volumes detached")
		return true, nil
	})
}

// attachedVolumes counts the volume attachments bound to the node
func (c *Cycler) attachedVolumes(ctx context.Context, nodeName string) (int, error) {
	attachments, err := c.client.StorageV1().VolumeAttachments().List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, va := range attachments.Items {
		if va.Spec.NodeName == nodeName {
			count++
		}
	}
	return count, nil
}
