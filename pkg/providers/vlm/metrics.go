/*
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

package vlm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kibotos/kibotos/pkg/metrics"
)

var (
	requestsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "vlm",
			Name:      "requests_total",
			Help:      "Relevance scoring calls by result, after retries.",
		},
		[]string{metrics.ResultLabel})
	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "vlm",
			Name:      "request_duration_seconds",
			Help:      "End-to-end relevance scoring latency including retries.",
			Buckets:   metrics.DurationBuckets(),
		})
)

func init() {
	metrics.Registry.MustRegister(requestsCounter, requestDuration)
}
