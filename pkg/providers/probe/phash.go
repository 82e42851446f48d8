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
	"encoding/hex"
	"fmt"
	"math/bits"
)

const (
	// dHash grid: each of 8 rows compares 9 adjacent pixels into 8 bits
	dhashWidth  = 9
	dhashHeight = 8

	// phashFrames frames are hashed per video and concatenated
	phashFrames = 4
)

// DHash computes a 64-bit difference hash over one 9x8 grayscale frame,
// returned as 16 hex characters. A pixel brighter than its right neighbor
// sets the bit.
func DHash(gray []byte) (string, error) {
	if len(gray) != dhashWidth*dhashHeight {
		return "", fmt.Errorf("dhash frame must be %d bytes, got %d", dhashWidth*dhashHeight, len(gray))
	}
	var out [dhashHeight]byte
	for row := 0; row < dhashHeight; row++ {
		var rowBits byte
		for col := 0; col < dhashWidth-1; col++ {
			rowBits <<= 1
			if gray[row*dhashWidth+col] > gray[row*dhashWidth+col+1] {
				rowBits |= 1
			}
		}
		out[row] = rowBits
	}
	return hex.EncodeToString(out[:]), nil
}

// Similarity is 1 minus the normalized Hamming distance between two hashes.
// Hashes of different lengths (different hash versions) never match.
func Similarity(a, b string) float64 {
	if a == "" || b == "" || len(a) != len(b) {
		return 0
	}
	rawA, errA := hex.DecodeString(a)
	rawB, errB := hex.DecodeString(b)
	if errA != nil || errB != nil {
		return 0
	}
	var distance int
	for i := range rawA {
		distance += bits.OnesCount8(rawA[i] ^ rawB[i])
	}
	return 1 - float64(distance)/float64(len(rawA)*8)
}
