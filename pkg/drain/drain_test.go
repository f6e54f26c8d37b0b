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
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func newPod(name, nodeName string, mutate ...func(*v1.Pod)) *v1.Pod {
	pod := &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
		},
		Spec: v1.PodSpec{NodeName: nodeName},
	}
	for _, m := range mutate {
		m(pod)
	}
	return pod
}

func ownedByDaemonSet(pod *v1.Pod) {
	pod.OwnerReferences = []metav1.OwnerReference{{Kind: "DaemonSet", Name: "ds"}}
}

func mirrored(pod *v1.Pod) {
	pod.Annotations = map[string]string{v1.MirrorPodAnnotationKey: "mirror"}
}

func workerNode() *v1.Node {
	return &v1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker-1"}}
}

func newExecutor(t *testing.T, timeout time.Duration, evict EvictFunc, objects ...runtime.Object) (*Executor, *fake.Clientset) {
	fakeClient := fake.NewSimpleClientset(objects...)
	logger := log.WithField("test", t.Name())
	return NewExecutor(fakeClient, timeout, evict, logger), fakeClient
}

func blockUntilDone(ctx context.Context, node *v1.Node) error {
	<-ctx.Done()
	return ctx.Err()
}

func countPodActions(client *fake.Clientset, verb string) int {
	count := 0
	for _, action := range client.Actions() {
		if action.GetVerb() == verb && action.GetResource().Resource == "pods" {
			count++
		}
	}
	return count
}

func remainingPods(t *testing.T, client *fake.Clientset) []string {
	podList, err := client.CoreV1().Pods("").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)

	var names []string
	for _, pod := range podList.Items {
		names = append(names, pod.Name)
	}
	sort.Strings(names)
	return names
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "drained", OutcomeDrained.String())
	assert.Equal(t, "timed-out", OutcomeTimedOut.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.False(t, OutcomeDrained.Escalated())
	assert.True(t, OutcomeTimedOut.Escalated())
	assert.True(t, OutcomeFailed.Escalated())
}

func TestDrainCooperative(t *testing.T) {
	evicted := 0
	e, client := newExecutor(t, time.Minute, func(ctx context.Context, node *v1.Node) error {
		evicted++
		return nil
	}, newPod("app", "worker-1"))

	outcome, err := e.Drain(context.Background(), workerNode())

	require.NoError(t, err)
	assert.Equal(t, OutcomeDrained, outcome)
	assert.Equal(t, 1, evicted)
	// no escalation, the pod left through eviction only
	assert.Equal(t, []string{"app"}, remainingPods(t, client))
}

func TestDrainFailureForceDeletes(t *testing.T) {
	e, client := newExecutor(t, time.Minute, func(ctx context.Context, node *v1.Node) error {
		return errors.New("cannot evict pod as it would violate the pod's disruption budget")
	},
		newPod("app", "worker-1"),
		newPod("ds-pod", "worker-1", ownedByDaemonSet),
		newPod("static-pod", "worker-1", mirrored),
		newPod("elsewhere", "worker-2"),
	)

	outcome, err := e.Drain(context.Background(), workerNode())

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, []string{"ds-pod", "elsewhere", "static-pod"}, remainingPods(t, client))
}

func TestDrainTimeoutForceDeletes(t *testing.T) {
	e, client := newExecutor(t, 50*time.Millisecond, func(ctx context.Context, node *v1.Node) error {
		<-ctx.Done()
		return ctx.Err()
	},
		newPod("stuck", "worker-1"),
	)

	outcome, err := e.Drain(context.Background(), workerNode())

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Empty(t, remainingPods(t, client))
}

func TestDrainInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e, client := newExecutor(t, time.Minute, func(ctx context.Context, node *v1.Node) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	},
		newPod("app", "worker-1"),
	)

	_, err := e.Drain(ctx, workerNode())

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	// an interrupted drain never escalates
	assert.Equal(t, []string{"app"}, remainingPods(t, client))
}

func TestDrainKubectlHelperEmptyNode(t *testing.T) {
	e, _ := newExecutor(t, time.Minute, nil, workerNode())

	outcome, err := e.Drain(context.Background(), workerNode())

	require.NoError(t, err)
	assert.Equal(t, OutcomeDrained, outcome)
}

func TestDrainTimeoutDeletesEachPodOnce(t *testing.T) {
	e, client := newExecutor(t, 20*time.Millisecond, blockUntilDone,
		newPod("stuck-1", "worker-1"),
		newPod("stuck-2", "worker-1"),
		newPod("ds-pod", "worker-1", ownedByDaemonSet),
	)

	outcome, err := e.Drain(context.Background(), workerNode())

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Equal(t, 1, countPodActions(client, "list"))
	assert.Equal(t, 2, countPodActions(client, "delete"))
	assert.Equal(t, []string{"ds-pod"}, remainingPods(t, client))
}

func TestDrainProceedsWhenPodListFails(t *testing.T) {
	e, client := newExecutor(t, 20*time.Millisecond, blockUntilDone, newPod("stuck", "worker-1"))
	client.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unavailable")
	})

	outcome, err := e.Drain(context.Background(), workerNode())

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Equal(t, 1, countPodActions(client, "list"))
	assert.Equal(t, 0, countPodActions(client, "delete"))
}
