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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/avast/retry-go"

	"github.com/kibotos/kibotos/pkg/providers/storage"
)

// download streams the presigned object into a temp file in dir, hashing it
// on the way through. The caller owns the returned file.
func download(ctx context.Context, dir string, req *storage.PresignedRequest) (path string, digest string, size int64, err error) {
	err = retry.Do(func() error {
		path, digest, size, err = downloadOnce(ctx, dir, req)
		return err
	},
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.Context(ctx))
	return path, digest, size, err
}

func downloadOnce(ctx context.Context, dir string, req *storage.PresignedRequest) (string, string, int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return "", "", 0, retry.Unrecoverable(err)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("object store returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", "", 0, retry.Unrecoverable(err)
		}
		return "", "", 0, err
	}

	file, err := os.CreateTemp(dir, "video-*")
	if err != nil {
		return "", "", 0, retry.Unrecoverable(err)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hasher), resp.Body)
	closeErr := file.Close()
	if err != nil || closeErr != nil {
		os.Remove(file.Name())
		if err == nil {
			err = closeErr
		}
		return "", "", 0, err
	}
	return file.Name(), hex.EncodeToString(hasher.Sum(nil)), size, nil
}
