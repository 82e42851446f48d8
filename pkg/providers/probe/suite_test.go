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
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestProbe(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Probe")
}

var _ = Describe("DHash", func() {
	It("should reject frames of the wrong size", func() {
		_, err := DHash(make([]byte, 10))
		Expect(err).To(HaveOccurred())
	})
	It("should hash a flat frame to all zero bits", func() {
		hash, err := DHash(make([]byte, dhashWidth*dhashHeight))
		Expect(err).ToNot(HaveOccurred())
		Expect(hash).To(Equal("0000000000000000"))
	})
	It("should set every bit for a strictly decreasing gradient", func() {
		frame := make([]byte, dhashWidth*dhashHeight)
		for row := 0; row < dhashHeight; row++ {
			for col := 0; col < dhashWidth; col++ {
				frame[row*dhashWidth+col] = byte(255 - col*10)
			}
		}
		hash, err := DHash(frame)
		Expect(err).ToNot(HaveOccurred())
		Expect(hash).To(Equal("ffffffffffffffff"))
	})
	It("should be stable under uniform brightness shifts", func() {
		frame := make([]byte, dhashWidth*dhashHeight)
		for i := range frame {
			frame[i] = byte(i * 3 % 200)
		}
		shifted := make([]byte, len(frame))
		for i := range frame {
			shifted[i] = frame[i] + 50
		}
		a, err := DHash(frame)
		Expect(err).ToNot(HaveOccurred())
		b, err := DHash(shifted)
		Expect(err).ToNot(HaveOccurred())
		Expect(a).To(Equal(b))
	})
})

var _ = Describe("Similarity", func() {
	It("should score identical hashes as 1", func() {
		Expect(Similarity("ffffffffffffffff", "ffffffffffffffff")).To(Equal(1.0))
	})
	It("should score complementary hashes as 0", func() {
		Expect(Similarity("ffffffffffffffff", "0000000000000000")).To(Equal(0.0))
	})
	It("should count partial bit agreement", func() {
		// one byte fully flipped out of eight
		Expect(Similarity("ff00000000000000", "0000000000000000")).To(BeNumerically("~", 1-8.0/64, 1e-9))
	})
	It("should never match hashes of different lengths", func() {
		Expect(Similarity("ffff", "ffffffffffffffff")).To(Equal(0.0))
	})
	It("should never match empty or invalid hashes", func() {
		Expect(Similarity("", "")).To(Equal(0.0))
		Expect(Similarity("zzzz", "zzzz")).To(Equal(0.0))
	})
})

var _ = Describe("Record", func() {
	It("should allow the supported codecs and containers", func() {
		record := &Record{Codec: "h264", Container: "mp4"}
		Expect(record.CodecAllowed()).To(BeTrue())
		Expect(record.ContainerAllowed()).To(BeTrue())
	})
	It("should reject unsupported codecs and containers", func() {
		record := &Record{Codec: "mpeg2video", Container: "flv"}
		Expect(record.CodecAllowed()).To(BeFalse())
		Expect(record.ContainerAllowed()).To(BeFalse())
	})
})

var _ = Describe("sampleOffsets", func() {
	It("should return no offsets for an empty video", func() {
		Expect(sampleOffsets(0, 8)).To(BeEmpty())
	})
	It("should keep all offsets inside the trimmed window", func() {
		offsets := sampleOffsets(100, 8)
		Expect(offsets).To(HaveLen(8))
		for _, offset := range offsets {
			Expect(offset).To(BeNumerically(">=", 5.0))
			Expect(offset).To(BeNumerically("<=", 95.0))
		}
	})
	It("should space offsets uniformly", func() {
		offsets := sampleOffsets(100, 4)
		Expect(offsets[1] - offsets[0]).To(BeNumerically("~", offsets[2]-offsets[1], 1e-9))
		Expect(offsets[2] - offsets[1]).To(BeNumerically("~", offsets[3]-offsets[2], 1e-9))
	})
})

var _ = Describe("parseFrameRate", func() {
	It("should parse rational rates", func() {
		Expect(parseFrameRate("30/1")).To(Equal(30.0))
		Expect(parseFrameRate("30000/1001")).To(BeNumerically("~", 29.97, 0.01))
	})
	It("should parse plain rates", func() {
		Expect(parseFrameRate("25")).To(Equal(25.0))
	})
	It("should return zero for garbage", func() {
		Expect(parseFrameRate("x/y")).To(Equal(0.0))
		Expect(parseFrameRate("1/0")).To(Equal(0.0))
	})
})

var _ = Describe("normalizeContainer", func() {
	It("should map ffprobe demuxer lists onto canonical names", func() {
		Expect(normalizeContainer("mov,mp4,m4a,3gp,3g2,mj2")).To(Equal("mp4"))
		Expect(normalizeContainer("matroska,webm")).To(Equal("webm"))
		Expect(normalizeContainer("avi")).To(Equal("avi"))
	})
})
