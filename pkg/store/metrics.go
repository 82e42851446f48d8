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

package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kibotos/kibotos/pkg/metrics"
)

const storeSubsystem = "store"

var (
	leasedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: storeSubsystem,
			Name:      "last_lease_batch_size",
			Help:      "Number of submissions claimed by the most recent lease call.",
		})
	committedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: storeSubsystem,
			Name:      "evaluations_committed_total",
			Help:      "Terminal submission commits by resulting state.",
		},
		[]string{metrics.StateLabel})
)

func init() {
	metrics.Registry.MustRegister(leasedGauge, committedCounter)
}
