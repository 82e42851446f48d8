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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/kibotos/kibotos/pkg/apis/v1"
	"github.com/kibotos/kibotos/pkg/errors"
)

// API is the slice of the validator API workers consume
type API interface {
	Fetch(ctx context.Context, batchSize int, leaseDuration time.Duration) ([]v1.WorkItem, error)
	Commit(ctx context.Context, req *v1.OutcomeRequest) error
	Renew(ctx context.Context, uuid string, leaseDuration time.Duration) (time.Time, error)
}

// Client talks to the validator API over HTTP
type Client struct {
	httpClient *http.Client
	baseURL    string
	workerID   string
}

func NewClient(baseURL, workerID string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		workerID:   workerID,
	}
}

func (c *Client) Fetch(ctx context.Context, batchSize int, leaseDuration time.Duration) ([]v1.WorkItem, error) {
	var resp v1.FetchResponse
	err := c.post(ctx, "/v1/evaluate/fetch", &v1.FetchRequest{
		WorkerID:      c.workerID,
		BatchSize:     batchSize,
		LeaseDuration: int(leaseDuration.Seconds()),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) Commit(ctx context.Context, req *v1.OutcomeRequest) error {
	req.WorkerID = c.workerID
	return c.post(ctx, "/v1/evaluate/submit", req, nil)
}

func (c *Client) Renew(ctx context.Context, uuid string, leaseDuration time.Duration) (time.Time, error) {
	var resp v1.RenewResponse
	err := c.post(ctx, "/v1/evaluate/renew", &v1.RenewRequest{
		WorkerID:      c.workerID,
		UUID:          uuid,
		LeaseDuration: int(leaseDuration.Seconds()),
	}, &resp)
	if err != nil {
		return time.Time{}, err
	}
	return resp.LeaseExpiresAt, nil
}

func (c *Client) post(ctx context.Context, path string, req interface{}, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request, %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling %s, %w", path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading %s response, %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr v1.ErrorResponse
		if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Code != "" {
			return errors.New(errors.Code(apiErr.Code), "%s", apiErr.Message)
		}
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding %s response, %w", path, err)
	}
	return nil
}
