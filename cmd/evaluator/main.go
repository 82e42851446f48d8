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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/kibotos/kibotos/pkg/evaluator"
	"github.com/kibotos/kibotos/pkg/logging"
	"github.com/kibotos/kibotos/pkg/metrics"
	"github.com/kibotos/kibotos/pkg/operator/options"
	"github.com/kibotos/kibotos/pkg/providers/probe"
	"github.com/kibotos/kibotos/pkg/providers/vlm"
)

func main() {
	opts := options.New(options.EvaluatorMode).MustParse()
	logger := logging.NewLogger(opts.Debug)
	defer logger.Sync()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerID := opts.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	logger = logger.With("worker-id", workerID)
	ctx = logging.WithLogger(ctx, logger)

	go serveMetrics(ctx, opts.MetricsPort)

	worker := evaluator.NewWorker(
		evaluator.NewClient(opts.APIURL, workerID),
		probe.NewFFmpegProber(),
		vlm.NewDefaultProvider(vlm.Options{
			APIURL: opts.VLMAPIURL,
			APIKey: opts.VLMAPIKey,
			Model:  opts.VLMModel,
		}),
		clock.RealClock{},
		evaluator.Options{
			PollInterval:  opts.PollInterval,
			BatchSize:     opts.BatchSize,
			LeaseDuration: opts.LeaseDuration,
			Concurrency:   opts.Concurrency,
			WorkDir:       opts.WorkDir,
		})
	worker.Run(ctx)
}

func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.FromContext(ctx).Errorf("metrics listener exited, %v", err)
	}
}
