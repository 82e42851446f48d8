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
	"fmt"
	"math"

	"github.com/kibotos/kibotos/pkg/providers/probe"
	"github.com/kibotos/kibotos/pkg/store"
)

// declaredTolerance is how far probed values may drift from declared ones
const declaredTolerance = 0.02

// technicalRejection returns a rejection detail when the probed video fails a
// hard technical gate, or "" when it passes
func technicalRejection(record *probe.Record, sub *store.Submission, reqs store.Requirements, sizeBytes int64) string {
	if !record.CodecAllowed() {
		return fmt.Sprintf("codec %q is not allowed", record.Codec)
	}
	if !record.ContainerAllowed() {
		return fmt.Sprintf("container %q is not allowed", record.Container)
	}
	if !withinTolerance(record.DurationSec, sub.DurationSec) {
		return fmt.Sprintf("probed duration %.2fs deviates from declared %.2fs", record.DurationSec, sub.DurationSec)
	}
	if !withinTolerance(record.FPS, sub.FPS) {
		return fmt.Sprintf("probed fps %.2f deviates from declared %.2f", record.FPS, sub.FPS)
	}
	if !withinTolerance(float64(record.Width), float64(sub.Width)) || !withinTolerance(float64(record.Height), float64(sub.Height)) {
		return fmt.Sprintf("probed resolution %dx%d deviates from declared %dx%d", record.Width, record.Height, sub.Width, sub.Height)
	}
	if reqs.MinDurationSec > 0 && record.DurationSec < reqs.MinDurationSec {
		return fmt.Sprintf("duration %.2fs is below the prompt minimum %.2fs", record.DurationSec, reqs.MinDurationSec)
	}
	if reqs.MaxDurationSec > 0 && record.DurationSec > reqs.MaxDurationSec {
		return fmt.Sprintf("duration %.2fs exceeds the prompt maximum %.2fs", record.DurationSec, reqs.MaxDurationSec)
	}
	if reqs.MinWidth > 0 && record.Width < reqs.MinWidth {
		return fmt.Sprintf("width %d is below the prompt minimum %d", record.Width, reqs.MinWidth)
	}
	if reqs.MinHeight > 0 && record.Height < reqs.MinHeight {
		return fmt.Sprintf("height %d is below the prompt minimum %d", record.Height, reqs.MinHeight)
	}
	if reqs.MinFPS > 0 && record.FPS < reqs.MinFPS {
		return fmt.Sprintf("fps %.2f is below the prompt minimum %.2f", record.FPS, reqs.MinFPS)
	}
	if reqs.MaxFPS > 0 && record.FPS > reqs.MaxFPS {
		return fmt.Sprintf("fps %.2f exceeds the prompt maximum %.2f", record.FPS, reqs.MaxFPS)
	}
	if reqs.MaxFileSizeMB > 0 && sizeBytes > reqs.MaxFileSizeMB<<20 {
		return fmt.Sprintf("file size %d exceeds the prompt maximum %dMB", sizeBytes, reqs.MaxFileSizeMB)
	}
	return ""
}

// technicalScore grades a passing video as the mean of its resolution, frame
// rate and duration components
func technicalScore(record *probe.Record) float64 {
	return (resolutionComponent(record.Height) + fpsComponent(record.FPS) + durationComponent(record.DurationSec)) / 3
}

func resolutionComponent(height int) float64 {
	switch {
	case height >= 1080:
		return 1.0
	case height >= 720:
		return 0.8
	case height >= 480:
		return 0.6
	default:
		return 0.3
	}
}

func fpsComponent(fps float64) float64 {
	switch {
	case fps >= 60:
		return 1.0
	case fps >= 30:
		return 0.9
	case fps >= 24:
		return 0.8
	default:
		return 0.6
	}
}

func durationComponent(sec float64) float64 {
	switch {
	case sec >= 10 && sec <= 60:
		return 1.0
	case sec >= 5 && sec <= 120:
		return 0.8
	default:
		return 0.6
	}
}

func withinTolerance(actual, declared float64) bool {
	if declared == 0 {
		return actual == 0
	}
	return math.Abs(actual-declared) <= declaredTolerance*declared
}
