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

package utils

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/kubectl/pkg/drain"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
)

func getRestConfig(kubeContext, proxyURL string) (*rest.Config, error) {
	var cfg *rest.Config
	var err error

	if kubeContext != "" {
		cfg, err = config.GetConfigWithContext(kubeContext)
	} else {
		cfg, err = config.GetConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kubeconfig")
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid proxy url %s", proxyURL)
		}
		cfg.Proxy = http.ProxyURL(u)
	}

	return cfg, nil
}

func getK8SClient(kubeContext, proxyURL string) (*kubernetes.Clientset, error) {
	cfg, err := getRestConfig(kubeContext, proxyURL)
	if err != nil {
		return nil, err
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kubernetes client")
	}

	return client, nil
}

// NodeHasLabel check if a node has a specific label set
func NodeHasLabel(node v1.Node, key string) bool {
	_, ok := node.Labels[key]
	return ok
}

// NodeIsReady reports whether the node Ready condition is true. A cordoned node
// (Ready,SchedulingDisabled) is ready as well
func NodeIsReady(node v1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == v1.NodeReady {
			return cond.Status == v1.ConditionTrue
		}
	}
	return false
}

// NodeAddress returns the address used to reach a node from outside the cluster
func NodeAddress(node v1.Node) string {
	for _, addrType := range []v1.NodeAddressType{v1.NodeInternalIP, v1.NodeExternalIP, v1.NodeHostName} {
		for _, addr := range node.Status.Addresses {
			if addr.Type == addrType && addr.Address != "" {
				return addr.Address
			}
		}
	}
	return node.Name
}

// IsDaemonSetOrStaticPod check if a pod is managed by a DaemonSet or is a static (mirror) pod
func IsDaemonSetOrStaticPod(pod v1.Pod) bool {
	if _, ok := pod.Annotations[v1.MirrorPodAnnotationKey]; ok {
		return true
	}
	return len(pod.OwnerReferences) > 0 && slices.Contains([]string{"DaemonSet", "Node"}, pod.OwnerReferences[0].Kind)
}

// SetSchedulable cordons (false) or uncordons (true) a node
func SetSchedulable(ctx context.Context, k8sClient kubernetes.Interface, nodeName string, schedulable bool) error {
	node, err := k8sClient.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to get node %s", nodeName)
	}

	helper := &drain.Helper{Ctx: ctx, Client: k8sClient}
	if err := drain.RunCordonOrUncordon(helper, node, !schedulable); err != nil {
		return errors.Wrapf(err, "failed to set node %s schedulable=%t", nodeName, schedulable)
	}
	return nil
}
