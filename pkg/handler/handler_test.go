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

package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/adobe/k8s-cycler/pkg/config"
	"github.com/adobe/k8s-cycler/pkg/cycle"
	"github.com/adobe/k8s-cycler/pkg/drain"
	"github.com/adobe/k8s-cycler/pkg/metrics"
	"github.com/adobe/k8s-cycler/pkg/schedule"
	"github.com/adobe/k8s-cycler/pkg/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

const (
	roleLabel     = "kubernetes.io/role"
	retiringLabel = "cycler.ethos.adobe.net/retiring"
)

// fakeCycler records the cycles it is asked to run
type fakeCycler struct {
	mu        sync.Mutex
	active    int
	maxActive int
	cycled    []string

	delay time.Duration
	// cycle overrides the default behaviour of sleeping for delay and completing
	cycle func(ctx context.Context, nodeName string) (cycle.Result, error)
}

func (f *fakeCycler) Cycle(ctx context.Context, nodeName string, observe cycle.Observer) (cycle.Result, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.cycled = append(f.cycled, nodeName)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	observe(nodeName, cycle.PhaseStart)
	if f.cycle != nil {
		return f.cycle(ctx, nodeName)
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return cycle.Result{Node: nodeName}, ctx.Err()
	}
	observe(nodeName, cycle.PhaseLabelCleared)
	return cycle.Result{Node: nodeName, Phase: cycle.PhaseLabelCleared}, nil
}

func (f *fakeCycler) cycledNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodes := append([]string(nil), f.cycled...)
	sort.Strings(nodes)
	return nodes
}

func testNode(name, role string, extraLabels map[string]string) *v1.Node {
	nodeLabels := map[string]string{roleLabel: role}
	for k, v := range extraLabels {
		nodeLabels[k] = v
	}
	return &v1.Node{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: nodeLabels}}
}

func testConfig(maxNodes int) config.Config {
	return config.Config{
		Role:          "worker",
		MaxNodes:      maxNodes,
		RoleLabel:     roleLabel,
		RetiringLabel: retiringLabel,
	}
}

func newTestHandler(t *testing.T, cfg config.Config, cycler Cycler, window *schedule.Schedule, objects ...runtime.Object) (*Handler, *fake.Clientset) {
	fakeClient := fake.NewSimpleClientset(objects...)
	appContext := utils.NewAppContextWithClient(context.Background(), fakeClient, cfg, cfg.DryRun)
	retrier := utils.NewRetrier(3, time.Millisecond, log.WithField("test", t.Name()))
	return NewHandler(appContext, cycler, retrier, window), fakeClient
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	cycler := &fakeCycler{delay: 30 * time.Millisecond}
	h, _ := newTestHandler(t, testConfig(2), cycler, nil)

	nodes := []string{"node-1", "node-2", "node-3", "node-4", "node-5"}
	summary, err := h.Dispatch(context.Background(), nodes)

	require.NoError(t, err)
	assert.LessOrEqual(t, cycler.maxActive, 2)
	assert.Equal(t, 2, cycler.maxActive)
	assert.Equal(t, nodes, cycler.cycledNodes())
	assert.ElementsMatch(t, nodes, summary.Completed)
	assert.Empty(t, summary.Degraded)
}

func TestDispatchMoreSlotsThanNodes(t *testing.T) {
	cycler := &fakeCycler{delay: 10 * time.Millisecond}
	h, _ := newTestHandler(t, testConfig(10), cycler, nil)

	summary, err := h.Dispatch(context.Background(), []string{"node-1", "node-2", "node-3"})

	require.NoError(t, err)
	assert.Len(t, summary.Completed, 3)
}

func TestDispatchReportsDegradedNodes(t *testing.T) {
	cycler := &fakeCycler{cycle: func(_ context.Context, nodeName string) (cycle.Result, error) {
		outcome := drain.OutcomeDrained
		if nodeName == "node-2" {
			outcome = drain.OutcomeTimedOut
		}
		return cycle.Result{Node: nodeName, Phase: cycle.PhaseLabelCleared, DrainOutcome: outcome}, nil
	}}
	h, _ := newTestHandler(t, testConfig(1), cycler, nil)

	summary, err := h.Dispatch(context.Background(), []string{"node-1", "node-2"})

	require.NoError(t, err)
	assert.Equal(t, []string{"node-1", "node-2"}, summary.Completed)
	assert.Equal(t, []string{"node-2"}, summary.Degraded)
}

func TestDispatchFatalErrorAbortsRun(t *testing.T) {
	cycler := &fakeCycler{cycle: func(ctx context.Context, nodeName string) (cycle.Result, error) {
		if nodeName == "node-1" {
			return cycle.Result{Node: nodeName}, errors.Wrap(utils.ErrRetriesExhausted, "get-node failed 12 times")
		}
		// every other cycle waits forever unless cancelled
		<-ctx.Done()
		return cycle.Result{Node: nodeName}, ctx.Err()
	}}
	h, _ := newTestHandler(t, testConfig(2), cycler, nil)

	done := make(chan struct{})
	var summary *Summary
	var err error
	go func() {
		defer close(done)
		summary, err = h.Dispatch(context.Background(), []string{"node-1", "node-2", "node-3", "node-4", "node-5"})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fatal error did not abort the pass")
	}

	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrRetriesExhausted))
	assert.Empty(t, summary.Completed)
	assert.Less(t, len(cycler.cycledNodes()), 5)
}

func TestDispatchParentCancelled(t *testing.T) {
	cycler := &fakeCycler{delay: time.Hour}
	h, _ := newTestHandler(t, testConfig(1), cycler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Dispatch(ctx, []string{"node-1", "node-2"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, []string{"node-1"}, cycler.cycledNodes())
}

func TestDispatchWaitsForMaintenanceWindow(t *testing.T) {
	window, err := schedule.NewSchedule("@yearly", time.Second)
	require.NoError(t, err)
	if window.IsActive(time.Now()) {
		t.Skip("running on new year's first second")
	}

	cycler := &fakeCycler{}
	h, _ := newTestHandler(t, testConfig(1), cycler, window)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Dispatch(ctx, []string{"node-1"})

	require.Error(t, err)
	assert.Empty(t, cycler.cycledNodes())
}

func TestRunMarksEveryNodeBeforeCycling(t *testing.T) {
	var h *Handler
	var client *fake.Clientset
	labelledAtFirstCycle := map[string]string{}
	var once sync.Once

	cycler := &fakeCycler{}
	cycler.cycle = func(ctx context.Context, nodeName string) (cycle.Result, error) {
		once.Do(func() {
			nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
			if !assert.NoError(t, err) {
				return
			}
			for _, n := range nodes.Items {
				labelledAtFirstCycle[n.Name] = n.Labels[retiringLabel]
			}
		})
		return cycle.Result{Node: nodeName, Phase: cycle.PhaseLabelCleared}, nil
	}

	h, client = newTestHandler(t, testConfig(1), cycler, nil,
		testNode("worker-1", "worker", nil),
		testNode("worker-2", "worker", nil),
		testNode("worker-3", "worker", map[string]string{retiringLabel: "1"}),
		testNode("master-1", "master", nil),
	)

	summary, err := h.Run(context.Background())

	require.NoError(t, err)
	require.NotEmpty(t, summary.Token)
	assert.Equal(t, []string{"worker-1", "worker-2", "worker-3"}, cycler.cycledNodes())
	assert.Equal(t, map[string]string{
		"worker-1": summary.Token,
		"worker-2": summary.Token,
		"worker-3": summary.Token,
		"master-1": "",
	}, labelledAtFirstCycle)
}

func TestRunNoMatchingNodes(t *testing.T) {
	cycler := &fakeCycler{}
	h, _ := newTestHandler(t, testConfig(1), cycler, nil, testNode("master-1", "master", nil))

	summary, err := h.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, summary.Completed)
	assert.Empty(t, cycler.cycledNodes())
}

func TestRunDryRun(t *testing.T) {
	cfg := testConfig(1)
	cfg.DryRun = true
	cycler := &fakeCycler{}
	h, client := newTestHandler(t, cfg, cycler, nil, testNode("worker-1", "worker", nil))

	_, err := h.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, cycler.cycledNodes())
	node, err := client.CoreV1().Nodes().Get(context.Background(), "worker-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.False(t, utils.NodeHasLabel(*node, retiringLabel))
}

func TestResumeSelectsTokenOnly(t *testing.T) {
	cycler := &fakeCycler{}
	h, _ := newTestHandler(t, testConfig(2), cycler, nil,
		testNode("worker-1", "worker", map[string]string{retiringLabel: "1700000000"}),
		testNode("worker-2", "worker", map[string]string{retiringLabel: "1700000000"}),
		testNode("worker-3", "worker", map[string]string{retiringLabel: "1600000000"}),
		testNode("worker-4", "worker", nil),
		testNode("master-1", "master", map[string]string{retiringLabel: "1700000000"}),
	)

	summary, err := h.Resume(context.Background(), "1700000000")

	require.NoError(t, err)
	assert.Equal(t, "1700000000", summary.Token)
	assert.Equal(t, []string{"worker-1", "worker-2"}, cycler.cycledNodes())
}

func TestResumeUnknownToken(t *testing.T) {
	cycler := &fakeCycler{}
	h, _ := newTestHandler(t, testConfig(2), cycler, nil,
		testNode("worker-1", "worker", map[string]string{retiringLabel: "1700000000"}),
	)

	summary, err := h.Resume(context.Background(), "42")

	require.NoError(t, err)
	assert.Empty(t, summary.Completed)
	assert.Empty(t, cycler.cycledNodes())
}

func TestProgressTracker(t *testing.T) {
	p := newProgressTracker(log.WithField("test", t.Name()))

	for i := 3; i > 0; i-- {
		p.observe(fmt.Sprintf("node-%d", i), cycle.PhaseDraining)
	}
	p.observe("node-2", cycle.PhaseRebooting)
	p.done("node-3")

	names, phases := p.snapshot()
	assert.Equal(t, []string{"node-1", "node-2"}, names)
	assert.Equal(t, cycle.PhaseRebooting, phases["node-2"])

	// finished nodes drop their phase series
	assert.Equal(t, float64(cycle.PhaseRebooting), testutil.ToFloat64(metrics.CyclerNodePhase.WithLabelValues("node-2")))
	assert.False(t, metrics.CyclerNodePhase.DeleteLabelValues("node-3"))

	stop, err := p.start(10 * time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	stop()
}
