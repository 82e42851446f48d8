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

package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kibotos/kibotos/pkg/metrics"
)

const evaluatorSubsystem = "evaluator"

var (
	processedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: evaluatorSubsystem,
			Name:      "submissions_processed_total",
			Help:      "Leased submissions by processing result and rejection reason.",
		},
		[]string{metrics.ResultLabel, metrics.ReasonLabel})
	evalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: evaluatorSubsystem,
			Name:      "evaluation_duration_seconds",
			Help:      "End-to-end pipeline latency for committed submissions.",
			Buckets:   metrics.DurationBuckets(),
		})
	downloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: evaluatorSubsystem,
			Name:      "download_duration_seconds",
			Help:      "Object download latency including retries.",
			Buckets:   metrics.DurationBuckets(),
		})
)

func init() {
	metrics.Registry.MustRegister(processedCounter, evalDuration, downloadDuration)
}
