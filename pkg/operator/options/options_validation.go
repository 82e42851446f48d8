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
	"fmt"
	"net/url"

	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	switch o.Mode {
	case APIServerMode:
		return multierr.Combine(
			o.validateDatabaseURL(),
			o.validateObjectStore(),
			o.validateScheduler(),
		)
	case EvaluatorMode:
		return multierr.Combine(
			o.validateAPIURL(),
			o.validateVLM(),
			o.validateWorker(),
		)
	default:
		return fmt.Errorf("unknown mode %q", o.Mode)
	}
}

func (o *Options) validateDatabaseURL() error {
	if o.DatabaseURL == "" {
		return fmt.Errorf("missing field, database-url")
	}
	return nil
}

func (o *Options) validateObjectStore() (err error) {
	if o.S3Bucket == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, s3-bucket"))
	}
	if o.S3Endpoint != "" {
		if !isAbsoluteURL(o.S3Endpoint) {
			err = multierr.Append(err, fmt.Errorf("s3-endpoint %q is not a valid URL", o.S3Endpoint))
		}
	}
	return err
}

func (o *Options) validateScheduler() (err error) {
	if o.CycleDuration <= 0 {
		err = multierr.Append(err, fmt.Errorf("cycle-duration must be positive"))
	}
	if o.CheckInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("check-interval must be positive"))
	}
	return err
}

func (o *Options) validateAPIURL() error {
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if !isAbsoluteURL(o.APIURL) {
		return fmt.Errorf("api-url %q is not a valid URL", o.APIURL)
	}
	return nil
}

func (o *Options) validateVLM() (err error) {
	if o.VLMAPIURL == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, vlm-api-url"))
	} else if !isAbsoluteURL(o.VLMAPIURL) {
		err = multierr.Append(err, fmt.Errorf("vlm-api-url %q is not a valid URL", o.VLMAPIURL))
	}
	if o.VLMModel == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, vlm-model"))
	}
	return err
}

func (o *Options) validateWorker() (err error) {
	if o.BatchSize <= 0 || o.BatchSize > 32 {
		err = multierr.Append(err, fmt.Errorf("batch-size must be in (0, 32]"))
	}
	if o.Concurrency <= 0 {
		err = multierr.Append(err, fmt.Errorf("concurrency must be positive"))
	}
	if o.LeaseDuration <= 0 {
		err = multierr.Append(err, fmt.Errorf("lease-duration must be positive"))
	}
	return err
}

func isAbsoluteURL(raw string) bool {
	parsed, err := url.Parse(raw)
	return err == nil && parsed.IsAbs() && parsed.Hostname() != ""
}
