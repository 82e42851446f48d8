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

package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kibotos/kibotos/pkg/errors"
)

// edgeSkip trims the leading/trailing fraction of the video before sampling,
// avoiding title cards and fade-outs
const edgeSkip = 0.05

type FFmpegProber struct {
	FFprobePath string
	FFmpegPath  string
}

func NewFFmpegProber() *FFmpegProber {
	return &FFmpegProber{FFprobePath: "ffprobe", FFmpegPath: "ffmpeg"}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
}

func (p *FFmpegProber) Probe(ctx context.Context, path string) (*Record, error) {
	out, err := p.run(ctx, p.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	if err != nil {
		return nil, errors.New(errors.CodeTechnical, "ffprobe failed, %v", err)
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, errors.New(errors.CodeTechnical, "unparseable ffprobe output, %v", err)
	}

	record := &Record{Container: normalizeContainer(parsed.Format.FormatName)}
	record.DurationSec, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	record.SizeBytes, _ = strconv.ParseInt(parsed.Format.Size, 10, 64)
	for _, stream := range parsed.Streams {
		if stream.CodecType != "video" {
			continue
		}
		record.Codec = stream.CodecName
		record.Width = stream.Width
		record.Height = stream.Height
		record.FPS = parseFrameRate(stream.RFrameRate)
		break
	}
	if record.Codec == "" {
		return nil, errors.New(errors.CodeTechnical, "no video stream in %q", path)
	}
	return record, nil
}

func (p *FFmpegProber) Keyframes(ctx context.Context, path string, durationSec float64, k int) ([][]byte, error) {
	frames := make([][]byte, 0, k)
	for _, offset := range sampleOffsets(durationSec, k) {
		frame, err := p.run(ctx, p.FFmpegPath,
			"-ss", formatOffset(offset),
			"-i", path,
			"-frames:v", "1",
			"-f", "image2",
			"-vcodec", "mjpeg",
			"pipe:1")
		if err != nil {
			return nil, errors.New(errors.CodeTechnical, "extracting keyframe at %.2fs, %v", offset, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// PHash samples phashFrames frames and concatenates their difference hashes.
// Stable across re-encodes and mild resolution changes.
func (p *FFmpegProber) PHash(ctx context.Context, path string, durationSec float64) (string, error) {
	var hash strings.Builder
	for _, offset := range sampleOffsets(durationSec, phashFrames) {
		// 9x8 grayscale raw frame, exactly what the difference hash consumes
		raw, err := p.run(ctx, p.FFmpegPath,
			"-ss", formatOffset(offset),
			"-i", path,
			"-frames:v", "1",
			"-vf", fmt.Sprintf("scale=%d:%d", dhashWidth, dhashHeight),
			"-f", "rawvideo",
			"-pix_fmt", "gray",
			"pipe:1")
		if err != nil {
			return "", errors.New(errors.CodeTechnical, "extracting hash frame at %.2fs, %v", offset, err)
		}
		frameHash, err := DHash(raw)
		if err != nil {
			return "", err
		}
		hash.WriteString(frameHash)
	}
	return hash.String(), nil
}

func (p *FFmpegProber) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w, %s", bin, err, truncateOutput(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// sampleOffsets returns k timestamps at uniform spacing across the video,
// excluding the first and last edgeSkip fraction
func sampleOffsets(durationSec float64, k int) []float64 {
	if k <= 0 || durationSec <= 0 {
		return nil
	}
	usable := durationSec * (1 - 2*edgeSkip)
	start := durationSec * edgeSkip
	offsets := make([]float64, k)
	for i := 0; i < k; i++ {
		offsets[i] = start + usable*(float64(i)+0.5)/float64(k)
	}
	return offsets
}

// parseFrameRate decodes ffprobe's rational frame rate ("30000/1001")
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	if !found {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// normalizeContainer maps ffprobe's comma-separated demuxer list onto the
// canonical container name
func normalizeContainer(formatName string) string {
	switch {
	case strings.Contains(formatName, "mp4"):
		return "mp4"
	case strings.Contains(formatName, "webm"):
		return "webm"
	case strings.Contains(formatName, "matroska"):
		return "mkv"
	case strings.Contains(formatName, "avi"):
		return "avi"
	case strings.Contains(formatName, "mov"):
		return "mov"
	}
	if name, _, found := strings.Cut(formatName, ","); found {
		return name
	}
	return formatName
}

func formatOffset(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[:300]
	}
	return s
}
