package entitymap

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// SyncHash fingerprints a payload snapshot for no-op detection: the diff
// poller compares it against the stored hash and only enqueues an update
// when they differ.
//
// The payload is NFC-normalized first so that byte-level differences between
// canonically equivalent Unicode forms do not trigger spurious syncs.
func SyncHash(payload []byte) string {
	sum := sha256.Sum256(norm.NFC.Bytes(payload))
	return hex.EncodeToString(sum[:])
}
