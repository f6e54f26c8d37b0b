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

package metrics

import (
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Init registers the cycler collectors and serves them on the given port
func Init(port int) error {
	if err := registerMetrics(); err != nil {
		return err
	}
	if err := serve(port); err != nil {
		return err
	}
	return nil
}

func registerMetrics() error {
	cs := []prometheus.Collector{
		collectors.NewBuildInfoCollector(),
		CyclerAPIServerRequestsTotal,
		CyclerRetriesExhaustedTotal,
		CyclerActiveCycles,
		CyclerNodePhase,
		CyclerPhaseDurationSeconds,
		CyclerRunDurationSeconds,
		CyclerCycledNodesTotal,
		CyclerDegradedNodesTotal,
		CyclerForcedPodDeletionsTotal,
		CyclerPodErrorsTotal,
		CyclerErrorsTotal,
	}
	for _, c := range cs {
		if err := prometheus.Register(c); err != nil {
			return err
		}
	}

	return nil
}

func serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))

	// the process is healthy for as long as it serves; stalled cycles show up in cycler_node_phase
	mux.HandleFunc("/healthz", func(res http.ResponseWriter, req *http.Request) {
		res.WriteHeader(http.StatusOK)
		if _, err := res.Write([]byte("OK")); err != nil {
			log.WithError(err).Error("Error while replying to /healthz request")
		}
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Metrics server stopped")
		}
	}()
	return nil
}
