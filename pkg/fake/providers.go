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

package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kibotos/kibotos/pkg/providers/probe"
	"github.com/kibotos/kibotos/pkg/providers/storage"
	"github.com/kibotos/kibotos/pkg/providers/vlm"
)

// VLMProvider returns a canned rubric or an injected error
type VLMProvider struct {
	mu     sync.Mutex
	Rubric vlm.Rubric
	Calls  int

	NextError AtomicError
}

func (p *VLMProvider) ScoreRelevance(_ context.Context, _ *vlm.Request) (*vlm.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	return &vlm.Result{
		Rubric:        p.Rubric,
		Relevance:     p.Rubric.Score(),
		ModelVersion:  "fake-model",
		PromptVersion: vlm.PromptVersion,
	}, nil
}

// Prober serves canned records and hashes keyed by file path, with a
// catch-all Default record
type Prober struct {
	mu      sync.Mutex
	Default *probe.Record
	Records map[string]*probe.Record
	PHashes map[string]string

	NextError AtomicError
}

func (p *Prober) Probe(_ context.Context, path string) (*probe.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	if record, ok := p.Records[path]; ok {
		return record, nil
	}
	if p.Default != nil {
		return p.Default, nil
	}
	return nil, fmt.Errorf("no canned record for %q", path)
}

func (p *Prober) Keyframes(_ context.Context, _ string, _ float64, k int) ([][]byte, error) {
	frames := make([][]byte, k)
	for i := range frames {
		frames[i] = []byte{0xff, 0xd8, byte(i)}
	}
	return frames, nil
}

func (p *Prober) PHash(_ context.Context, path string, _ float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hash, ok := p.PHashes[path]; ok {
		return hash, nil
	}
	return "00000000000000000000000000000000000000000000000000000000deadbeef", nil
}

// StorageProvider mints deterministic fake URLs
type StorageProvider struct {
	mu    sync.Mutex
	Calls []string

	NextError AtomicError
}

func (p *StorageProvider) PresignUpload(_ context.Context, key string, _ int64) (*storage.PresignedRequest, error) {
	return p.presign("upload", key)
}

func (p *StorageProvider) PresignDownload(_ context.Context, key string) (*storage.PresignedRequest, error) {
	return p.presign("download", key)
}

func (p *StorageProvider) ObjectSize(_ context.Context, _ string) (int64, error) {
	return 1 << 20, nil
}

func (p *StorageProvider) presign(direction, key string) (*storage.PresignedRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	p.Calls = append(p.Calls, direction+":"+key)
	method := "GET"
	if direction == "upload" {
		method = "PUT"
	}
	return &storage.PresignedRequest{
		URL:       fmt.Sprintf("https://fake-store.local/%s/%s", direction, key),
		Method:    method,
		Key:       key,
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}, nil
}
