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

package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// HandleOsSignals cancels the application context on the first SIGINT/SIGTERM and exits on the second one.
// Nodes in flight keep their retirement label so the run can be resumed.
func HandleOsSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signals
	log.WithField("signal", sig.String()).Warn("Received signal, stopping the maintenance pass")
	cancel()

	sig = <-signals
	// log.Fatal runs the registered exit handlers, the log sink among them
	log.WithField("signal", sig.String()).Fatal("Received second signal, exiting immediately")
}
