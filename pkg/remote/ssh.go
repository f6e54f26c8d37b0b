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

package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Options configures how hosts are reached over SSH
type Options struct {
	User string
	// KeyFile is the private key used for public key authentication
	KeyFile string
	// KnownHostsFile enables host key verification when set
	KnownHostsFile   string
	Port             int
	ConnectTimeout   time.Duration
	RebootCommand    string
	MaintenanceAgent string
}

// SSH runs maintenance commands on node hosts
type SSH struct {
	opts   Options
	config *ssh.ClientConfig
	logger *log.Entry
}

// NewSSH loads the private key and host key policy described by opts
func NewSSH(opts Options, logger *log.Entry) (*SSH, error) {
	privateKey, err := os.ReadFile(opts.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read SSH key %s", opts.KeyFile)
	}

	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse SSH key %s", opts.KeyFile)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load known hosts %s", opts.KnownHostsFile)
		}
	} else {
		logger.Warn("No known hosts file configured, host keys are not verified")
	}

	return &SSH{
		opts: opts,
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         opts.ConnectTimeout,
		},
		logger: logger,
	}, nil
}

func (s *SSH) dial(ctx context.Context, host string) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(s.opts.Port))

	dialer := net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}

	if s.opts.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.opts.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.config)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s failed", addr)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// run executes cmd on host and returns its trimmed standard output
func (s *SSH) run(ctx context.Context, host, cmd string) (string, error) {
	client, err := s.dial(ctx, host)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", errors.Wrapf(err, "failed to open session on %s", host)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = client.Close()
		return "", ctx.Err()
	}

	return strings.TrimSpace(stdout.String()), err
}

// Reboot asks host to reboot without waiting for it. The connection usually drops before the
// command returns, so an error does not mean the reboot did not happen
func (s *SSH) Reboot(ctx context.Context, host string) error {
	logger := s.logger.WithFields(log.Fields{
		"host":    host,
		"command": s.opts.RebootCommand,
	})

	client, err := s.dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.Wrapf(err, "failed to open session on %s", host)
	}
	defer session.Close()

	if err := session.Start(s.opts.RebootCommand); err != nil {
		return errors.Wrapf(err, "failed to start reboot command on %s", host)
	}
	logger.Info("Reboot command sent")

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.WithError(err).Debug("Reboot command ended with an error")
		}
	case <-time.After(s.opts.ConnectTimeout):
		logger.Debug("Reboot command still running, not waiting for it")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// AgentActive reports whether the maintenance agent service is running on host
func (s *SSH) AgentActive(ctx context.Context, host string) (bool, error) {
	out, err := s.run(ctx, host, fmt.Sprintf("systemctl is-active %s", s.opts.MaintenanceAgent))
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// is-active exits non-zero for every state but active
			return false, nil
		}
		return false, err
	}
	return out == "active", nil
}
