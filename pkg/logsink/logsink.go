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

package logsink

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// shipperGracePeriod is how long Close waits for the shipper to flush before killing it
const shipperGracePeriod = 5 * time.Second

// Options selects the log destinations besides stderr
type Options struct {
	// File is a log file rotated by size when set
	File string
	// ShipperCommand is a command line receiving every log line on its stdin when set
	ShipperCommand string
}

// Sink duplicates log output to a rotating file and a shipper process
type Sink struct {
	mu      sync.Mutex
	file    *lumberjack.Logger
	shipper *exec.Cmd
	stdin   io.WriteCloser
	// shipperDead is set after the first failed write to the shipper
	shipperDead bool

	closeOnce sync.Once
	closeErr  error
}

// Open acquires the configured destinations. The returned Sink must be closed on every exit path
func Open(opts Options) (*Sink, error) {
	s := &Sink{}

	if opts.File != "" {
		s.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
		}
	}

	if opts.ShipperCommand != "" {
		args, err := shlex.Split(opts.ShipperCommand)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log shipper command %q", opts.ShipperCommand)
		}
		if len(args) == 0 {
			return nil, errors.Errorf("invalid log shipper command %q", opts.ShipperCommand)
		}

		cmd := exec.Command(args[0], args[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, errors.Wrap(err, "failed to open log shipper stdin")
		}
		if err := cmd.Start(); err != nil {
			return nil, errors.Wrapf(err, "failed to start log shipper %s", args[0])
		}
		s.shipper = cmd
		s.stdin = stdin
	}

	return s, nil
}

// Write sends p to every destination. A shipper that stopped reading is ignored from then on
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if _, err := s.file.Write(p); err != nil {
			return 0, err
		}
	}
	if s.stdin != nil && !s.shipperDead {
		if _, err := s.stdin.Write(p); err != nil {
			s.shipperDead = true
		}
	}
	return len(p), nil
}

// Close releases every destination. It is safe to call more than once
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.file != nil {
			if err := s.file.Close(); err != nil {
				s.closeErr = errors.Wrap(err, "failed to close log file")
			}
		}

		if s.shipper == nil {
			return
		}
		_ = s.stdin.Close()

		done := make(chan error, 1)
		go func() {
			done <- s.shipper.Wait()
		}()

		select {
		case err := <-done:
			if err != nil && s.closeErr == nil {
				s.closeErr = errors.Wrap(err, "log shipper exited with an error")
			}
		case <-time.After(shipperGracePeriod):
			_ = s.shipper.Process.Kill()
			<-done
			if s.closeErr == nil {
				s.closeErr = errors.New("log shipper did not exit in time and was killed")
			}
		}
	})
	return s.closeErr
}
