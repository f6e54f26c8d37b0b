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

package e2e

import (
	"context"
	"time"

	"github.com/adobe/k8s-cycler/pkg/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultRetiringLabel is the retirement label used on test clusters
const DefaultRetiringLabel = "cycler.ethos.adobe.net/retiring"

// NewClientForTesting builds a client from a kubeconfig file without registering flags
func NewClientForTesting(kubeconfigPath string) (kubernetes.Interface, error) {
	kubeconfig, err := clientcmd.LoadFromFile(kubeconfigPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load kubeconfig %s", kubeconfigPath)
	}

	k8sConfig, err := clientcmd.NewDefaultClientConfig(*kubeconfig, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(k8sConfig)
}

// RetireNodesForTesting labels nodes with token the way an interrupted pass leaves them, so that
// resuming can be exercised without cycling anything first
func RetireNodesForTesting(nodeNames []string, token, kubeconfigPath string) error {
	clientset, err := NewClientForTesting(kubeconfigPath)
	if err != nil {
		return err
	}

	logEntry := log.NewEntry(log.New())
	retrier := utils.NewRetrier(3, time.Second, logEntry)

	nodes := make([]v1.Node, 0, len(nodeNames))
	for _, name := range nodeNames {
		nodes = append(nodes, v1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}})
	}

	err = utils.MarkNodes(context.Background(), clientset, retrier, nodes, DefaultRetiringLabel, token, false, logEntry)
	if err != nil {
		return err
	}

	logEntry.Infof("Retired %d nodes with token %s", len(nodes), token)
	return nil
}
