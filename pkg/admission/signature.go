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

package admission

import (
	"crypto/ed25519"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/kibotos/kibotos/pkg/errors"
)

// CanonicalPayload is the byte serialization miners sign. The timestamp is
// truncated to the minute so clock drift between building and sending the
// request does not invalidate the signature. Field order and separator are
// part of the miner-facing contract and must never change.
func CanonicalPayload(videoHash, videoKey, promptID string, minerUID int64, submittedAt time.Time) []byte {
	return []byte(strings.Join([]string{
		videoHash,
		videoKey,
		promptID,
		strconv.FormatInt(minerUID, 10),
		submittedAt.UTC().Truncate(time.Minute).Format(time.RFC3339),
	}, "|"))
}

// VerifySignature checks that signatureHex is a valid ed25519 signature by
// the hex-encoded hotkey public key over the blake2b-256 digest of payload
func VerifySignature(hotkeyHex, signatureHex string, payload []byte) error {
	pub, err := hex.DecodeString(strings.TrimPrefix(hotkeyHex, "0x"))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New(errors.CodeBadSignature, "hotkey is not a valid public key")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return errors.New(errors.CodeBadSignature, "signature is not a valid ed25519 signature")
	}
	digest := blake2b.Sum256(payload)
	if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig) {
		return errors.New(errors.CodeBadSignature, "signature verification failed")
	}
	return nil
}

// Sign produces the signature miners attach, for the miner SDK and tests
func Sign(priv ed25519.PrivateKey, payload []byte) string {
	digest := blake2b.Sum256(payload)
	return hex.EncodeToString(ed25519.Sign(priv, digest[:]))
}

// HotkeyOf returns the hex hotkey for a private key
func HotkeyOf(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}
