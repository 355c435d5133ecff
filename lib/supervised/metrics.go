/*
Copyright 2024 Fermi National Accelerator Laboratory

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package supervised

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacsys",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Inbound RPCs by method and policy outcome.",
		},
		[]string{"method", "outcome"},
	)
	streamedReadings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pacsys",
			Subsystem: "proxy",
			Name:      "streamed_readings_total",
			Help:      "Readings forwarded on Subscribe streams.",
		},
	)
	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacsys",
			Subsystem: "proxy",
			Name:      "upstream_errors_total",
			Help:      "Upstream backend failures by RPC method.",
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, streamedReadings, upstreamErrors)
}
