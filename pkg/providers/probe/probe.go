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

// Package probe extracts container metadata, keyframes and perceptual hashes
// from downloaded videos by shelling out to ffprobe and ffmpeg
package probe

import (
	"context"

	"github.com/samber/lo"
)

// AllowedCodecs and AllowedContainers bound what miners may upload
var (
	AllowedCodecs     = []string{"h264", "h265", "hevc", "vp8", "vp9", "av1"}
	AllowedContainers = []string{"mp4", "webm", "mov", "avi", "mkv"}
)

// Record is the probed ground truth for one video file
type Record struct {
	DurationSec float64
	Width       int
	Height      int
	FPS         float64
	Codec       string
	Container   string
	SizeBytes   int64
}

// CodecAllowed reports whether the probed codec is acceptable
func (r *Record) CodecAllowed() bool {
	return lo.Contains(AllowedCodecs, r.Codec)
}

// ContainerAllowed reports whether the probed container is acceptable
func (r *Record) ContainerAllowed() bool {
	return lo.Contains(AllowedContainers, r.Container)
}

type Prober interface {
	// Probe inspects the container and first video stream
	Probe(ctx context.Context, path string) (*Record, error)
	// Keyframes samples k JPEG frames at uniform offsets across the duration
	Keyframes(ctx context.Context, path string, durationSec float64, k int) ([][]byte, error)
	// PHash computes the video's perceptual hash (hex)
	PHash(ctx context.Context, path string, durationSec float64) (string, error)
}
