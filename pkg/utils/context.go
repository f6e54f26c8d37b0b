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

	"github.com/adobe/k8s-cycler/pkg/config"
	"github.com/google/uuid"
	"k8s.io/client-go/kubernetes"
)

// AppContext struct stores a context, a k8s client and the settings of the current run
type AppContext struct {
	Context   context.Context
	K8sClient kubernetes.Interface
	Config    config.Config
	// RunID correlates the log lines of one process
	RunID  string
	dryRun bool
}

// NewAppContext creates a new AppContext object. The context is cancelled on SIGINT/SIGTERM
func NewAppContext(cfg config.Config, dryRun bool) (*AppContext, error) {
	client, err := getK8SClient(cfg.KubeContext, cfg.ProxyURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	go HandleOsSignals(cancel)

	return NewAppContextWithClient(ctx, client, cfg, dryRun), nil
}

// NewAppContextWithClient creates an AppContext around an existing client
func NewAppContextWithClient(ctx context.Context, client kubernetes.Interface, cfg config.Config, dryRun bool) *AppContext {
	return &AppContext{
		Context:   ctx,
		K8sClient: client,
		Config:    cfg,
		RunID:     uuid.NewString(),
		dryRun:    dryRun,
	}
}

// IsDryRun returns true if the "--dry-run" flag was provided
func (ac *AppContext) IsDryRun() bool {
	return ac.dryRun
}
