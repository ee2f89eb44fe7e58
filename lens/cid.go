package lens

import (
	"crypto/sha512"
	"encoding/hex"

	"github.com/mtraver/base91"
)

// CIDHexLen is the length of every content identifier: lowercase hex SHA-512.
// The hash is a protocol constant shared by clients and the server; CIDs are
// compared by string equality, so both sides must produce identical digests.
const CIDHexLen = sha512.Size * 2

// cidFingerprintBytes is how much of the digest feeds the short display form.
const cidFingerprintBytes = 9

// ComputeCID returns the content identifier for the given serialized bytes.
// Deterministic and pure: equal bytes always produce equal CIDs.
func ComputeCID(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// ValidCID reports whether s has the shape of a content identifier.
func ValidCID(s string) bool {
	if len(s) != CIDHexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// VerifyCID confirms data hashes to the claimed CID, returning a
// CidMismatchError otherwise. Mismatched payloads must never be stored.
func VerifyCID(cid string, data []byte) error {
	actual := ComputeCID(data)
	if cid != actual {
		return &CidMismatchError{Claimed: cid, Actual: actual}
	}
	return nil
}

// cidFingerprint renders a compact display form for log lines and previews.
// 128 hex characters drown log output; a 9 byte base91 prefix keeps lines
// readable while staying unique enough for eyeballing.
func cidFingerprint(cid string) string {
	if cid == "" {
		return ""
	}
	raw, err := hex.DecodeString(cid)
	if err != nil || len(raw) < cidFingerprintBytes {
		if len(cid) > 16 {
			return cid[:16]
		}
		return cid
	}
	return "cid91-" + base91.StdEncoding.EncodeToString(raw[:cidFingerprintBytes])
}
