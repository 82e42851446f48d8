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

package options

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/kibotos/kibotos/pkg/utils/env"
)

// Mode selects which binary's validation rules apply
type Mode string

const (
	APIServerMode Mode = "apiserver"
	EvaluatorMode Mode = "evaluator"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	Mode Mode

	// Shared
	Debug       bool
	MetricsPort int

	// Validator API server
	DatabaseURL   string
	ListenAddress string
	AdminToken    string

	// Object store
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	// Scheduler
	CycleDuration time.Duration
	CheckInterval time.Duration
	AutoStart     bool

	// VLM provider
	VLMAPIURL string
	VLMAPIKey string
	VLMModel  string

	// Evaluation worker
	WorkerID      string
	APIURL        string
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	Concurrency   int
	WorkDir       string
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New(mode Mode) *Options {
	opts := &Options{Mode: mode}
	f := flag.NewFlagSet(string(mode), flag.ContinueOnError)
	opts.FlagSet = f

	// Shared
	f.BoolVar(&opts.Debug, "debug", env.WithDefaultBool("DEBUG", false), "Enable debug logging")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8081), "The port the standalone metric endpoint binds to; the api server serves metrics on its own listener")

	// Validator API server
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "The postgres connection string")
	f.StringVar(&opts.ListenAddress, "listen-address", env.WithDefaultString("LISTEN_ADDRESS", ":8000"), "The address the api server binds to")
	f.StringVar(&opts.AdminToken, "admin-token", env.WithDefaultString("ADMIN_TOKEN", ""), "Bearer token guarding the admin routes; empty disables them")

	// Object store
	f.StringVar(&opts.S3Bucket, "s3-bucket", env.WithDefaultString("S3_BUCKET", ""), "The bucket holding submitted videos")
	f.StringVar(&opts.S3Region, "s3-region", env.WithDefaultString("S3_REGION", "us-east-1"), "The object store region")
	f.StringVar(&opts.S3Endpoint, "s3-endpoint", env.WithDefaultString("S3_ENDPOINT", ""), "Custom endpoint for S3-compatible stores (R2, MinIO); empty uses AWS")
	f.StringVar(&opts.S3AccessKeyID, "s3-access-key-id", env.WithDefaultString("AWS_ACCESS_KEY_ID", ""), "Static object store credentials; empty falls back to the default chain")
	f.StringVar(&opts.S3SecretAccessKey, "s3-secret-access-key", env.WithDefaultString("AWS_SECRET_ACCESS_KEY", ""), "Static object store credentials; empty falls back to the default chain")
	f.BoolVar(&opts.S3UsePathStyle, "s3-use-path-style", env.WithDefaultBool("S3_USE_PATH_STYLE", false), "Use path-style object addressing, required by MinIO")

	// Scheduler
	f.DurationVar(&opts.CycleDuration, "cycle-duration", env.WithDefaultDuration("CYCLE_DURATION", 60*time.Minute), "How long each collection cycle stays open")
	f.DurationVar(&opts.CheckInterval, "check-interval", env.WithDefaultDuration("CHECK_INTERVAL", 30*time.Second), "How often the scheduler examines cycle state")
	f.BoolVar(&opts.AutoStart, "auto-start", env.WithDefaultBool("AUTO_START", true), "Open a new cycle automatically whenever none is active")

	// VLM provider
	f.StringVar(&opts.VLMAPIURL, "vlm-api-url", env.WithDefaultString("VLM_API_URL", ""), "Base URL of the OpenAI-compatible vision model endpoint")
	f.StringVar(&opts.VLMAPIKey, "vlm-api-key", env.WithDefaultString("VLM_API_KEY", ""), "API key for the vision model endpoint")
	f.StringVar(&opts.VLMModel, "vlm-model", env.WithDefaultString("VLM_MODEL", ""), "Model name sent with every scoring request")

	// Evaluation worker
	f.StringVar(&opts.WorkerID, "worker-id", env.WithDefaultString("WORKER_ID", ""), "Stable identity for lease ownership; empty derives one from the hostname")
	f.StringVar(&opts.APIURL, "api-url", env.WithDefaultString("API_URL", "http://localhost:8000"), "Base URL of the validator api server")
	f.DurationVar(&opts.PollInterval, "poll-interval", env.WithDefaultDuration("POLL_INTERVAL", 10*time.Second), "How long to sleep when no work is available")
	f.IntVar(&opts.BatchSize, "batch-size", env.WithDefaultInt("BATCH_SIZE", 4), "How many submissions to lease per fetch")
	f.DurationVar(&opts.LeaseDuration, "lease-duration", env.WithDefaultDuration("LEASE_DURATION", 10*time.Minute), "How long a lease lasts before another worker may reclaim it")
	f.IntVar(&opts.Concurrency, "concurrency", env.WithDefaultInt("CONCURRENCY", 4), "How many submissions to evaluate in parallel")
	f.StringVar(&opts.WorkDir, "work-dir", env.WithDefaultString("WORK_DIR", os.TempDir()), "Scratch directory for downloaded videos")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}
