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

package config

import (
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/adobe/k8s-cycler/pkg/schedule"
	"github.com/google/shlex"
	"github.com/pkg/errors"
)

// DefaultDrainTimeoutPerNode is multiplied by MaxNodes when no drain timeout is configured
const DefaultDrainTimeoutPerNode = 600 * time.Second

// Config struct defines application configuration options
type Config struct {
	// Role is the value of RoleLabel that selects the nodes to cycle
	Role string
	// ResumeToken re-targets the nodes still labelled by an interrupted run
	ResumeToken string
	// KubeContext selects a kubeconfig context, the current context is used when empty
	KubeContext string
	// ProxyURL is an outbound proxy used for every request to the API server
	ProxyURL string
	// MaxNodes is the maximum number of nodes cycled at the same time
	MaxNodes int
	// DrainTimeout bounds the cooperative eviction of a node. Defaults to 600s per MaxNodes
	DrainTimeout time.Duration
	// RetryAttempts is how many times an API operation is tried before the run is aborted
	RetryAttempts uint
	// RetryDelay is the fixed delay between two attempts of an API operation
	RetryDelay time.Duration
	// VolumePollInterval is how often volume attachments are checked after a drain
	VolumePollInterval time.Duration
	// AgentPollInterval is how often the maintenance agent is checked after a reboot
	AgentPollInterval time.Duration
	// ReadyPollInterval is how often the node status is checked after a reboot
	ReadyPollInterval time.Duration
	// PollTimeout bounds every wait of a node cycle. Zero waits forever
	PollTimeout time.Duration
	// RoleLabel is the node label holding the node role
	RoleLabel string
	// RetiringLabel is the node label holding the run token while a node is being cycled
	RetiringLabel string
	// SSHUser is the remote user used to reach the nodes
	SSHUser string
	// SSHKeyFile is the private key used to authenticate against the nodes
	SSHKeyFile string
	// SSHPort is the port of the nodes' SSH daemon
	SSHPort int
	// SSHKnownHostsFile enables host key verification when set
	SSHKnownHostsFile string
	// SSHConnectTimeout is how long to wait for a node to accept a connection
	SSHConnectTimeout time.Duration
	// RebootCommand is run on the node to reboot it
	RebootCommand string
	// MaintenanceAgent is the systemd unit that must be active again after a reboot
	MaintenanceAgent string
	// ProgressInterval is how often in-flight cycles are reported. Zero disables the report
	ProgressInterval time.Duration
	// MaintenanceWindowSchedule is a cron expression opening the window in which new nodes are admitted
	MaintenanceWindowSchedule string
	// MaintenanceWindowDuration is how long the maintenance window stays open
	MaintenanceWindowDuration time.Duration
	// LogFile is a rotating file receiving a copy of every log line
	LogFile string
	// LogShipperCommand is started once per run and receives every log line on stdin
	LogShipperCommand string
	// DryRun lists the target nodes without labelling or cycling them
	DryRun bool
}

// ApplyDefaults fills the values derived from other settings
func (c *Config) ApplyDefaults() {
	if c.DrainTimeout == 0 && c.MaxNodes > 0 {
		c.DrainTimeout = DefaultDrainTimeoutPerNode * time.Duration(c.MaxNodes)
	}
}

// Validate checks the configuration before any node is touched
func (c *Config) Validate() error {
	if c.Role == "" {
		return errors.New("a node role is required")
	}
	if c.MaxNodes < 1 {
		return errors.Errorf("max nodes must be at least 1, got %d", c.MaxNodes)
	}
	if c.RetryAttempts < 1 {
		return errors.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RoleLabel == "" || c.RetiringLabel == "" {
		return errors.New("role and retiring labels cannot be empty")
	}

	durations := map[string]time.Duration{
		"DrainTimeout":              c.DrainTimeout,
		"RetryDelay":                c.RetryDelay,
		"VolumePollInterval":        c.VolumePollInterval,
		"AgentPollInterval":         c.AgentPollInterval,
		"ReadyPollInterval":         c.ReadyPollInterval,
		"PollTimeout":               c.PollTimeout,
		"SSHConnectTimeout":         c.SSHConnectTimeout,
		"ProgressInterval":          c.ProgressInterval,
		"MaintenanceWindowDuration": c.MaintenanceWindowDuration,
	}
	for name, d := range durations {
		if d < 0 {
			return errors.Errorf("%s cannot be negative, got %s", name, d)
		}
	}
	for name, d := range map[string]time.Duration{
		"VolumePollInterval": c.VolumePollInterval,
		"AgentPollInterval":  c.AgentPollInterval,
		"ReadyPollInterval":  c.ReadyPollInterval,
	} {
		if d == 0 {
			return errors.Errorf("%s must be greater than zero", name)
		}
	}

	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Errorf("invalid proxy url %q", c.ProxyURL)
		}
	}

	if (c.MaintenanceWindowSchedule == "") != (c.MaintenanceWindowDuration == 0) {
		return errors.New("maintenance window needs both a schedule and a duration")
	}
	if c.MaintenanceWindowSchedule != "" {
		if _, err := schedule.NewSchedule(c.MaintenanceWindowSchedule, c.MaintenanceWindowDuration); err != nil {
			return errors.Wrap(err, "invalid maintenance window")
		}
	}

	if c.LogShipperCommand != "" {
		args, err := shlex.Split(c.LogShipperCommand)
		if err != nil || len(args) == 0 {
			return errors.Errorf("invalid log shipper command %q", c.LogShipperCommand)
		}
		if _, err := exec.LookPath(args[0]); err != nil {
			return errors.Wrapf(err, "log shipper %s not found", args[0])
		}
	}

	if c.DryRun {
		return nil
	}

	if c.SSHKeyFile == "" {
		return errors.New("an SSH key file is required to reboot nodes")
	}
	if _, err := os.Stat(c.SSHKeyFile); err != nil {
		return errors.Wrapf(err, "cannot read SSH key file %s", c.SSHKeyFile)
	}
	if c.SSHKnownHostsFile != "" {
		if _, err := os.Stat(c.SSHKnownHostsFile); err != nil {
			return errors.Wrapf(err, "cannot read SSH known hosts file %s", c.SSHKnownHostsFile)
		}
	}

	return nil
}
