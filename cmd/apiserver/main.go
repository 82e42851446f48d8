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
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"k8s.io/utils/clock"

	"github.com/kibotos/kibotos/pkg/admission"
	"github.com/kibotos/kibotos/pkg/apiserver"
	"github.com/kibotos/kibotos/pkg/logging"
	"github.com/kibotos/kibotos/pkg/operator/options"
	"github.com/kibotos/kibotos/pkg/providers/storage"
	"github.com/kibotos/kibotos/pkg/scheduler"
	"github.com/kibotos/kibotos/pkg/store"
)

var (
	version = "dev"
	commit  = ""
)

func main() {
	opts := options.New(options.APIServerMode).MustParse()
	logger := logging.NewLogger(opts.Debug)
	defer logger.Sync()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	db, err := store.New(ctx, opts.DatabaseURL)
	if err != nil {
		logger.Fatalf("connecting to the store, %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatalf("migrating the store, %v", err)
	}

	storageProvider, err := storage.NewDefaultProvider(ctx, storage.Options{
		Endpoint:        opts.S3Endpoint,
		Region:          opts.S3Region,
		Bucket:          opts.S3Bucket,
		AccessKeyID:     opts.S3AccessKeyID,
		SecretAccessKey: opts.S3SecretAccessKey,
		UsePathStyle:    opts.S3UsePathStyle,
	})
	if err != nil {
		logger.Fatalf("building the storage provider, %v", err)
	}

	clk := clock.RealClock{}
	server := apiserver.New(db, admission.NewAdmitter(db, clk), storageProvider, apiserver.Options{
		ListenAddress: opts.ListenAddress,
		AdminToken:    opts.AdminToken,
		Version:       version,
		Commit:        commit,
	})
	cycleScheduler := scheduler.New(db, clk, scheduler.Options{
		CycleDuration: opts.CycleDuration,
		CheckInterval: opts.CheckInterval,
		AutoStart:     opts.AutoStart,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cycleScheduler.Run(ctx)
	}()
	if err := server.Run(ctx); err != nil && err != http.ErrServerClosed {
		logger.Errorf("api server exited, %v", err)
		stop()
		wg.Wait()
		os.Exit(1)
	}
	wg.Wait()
}
