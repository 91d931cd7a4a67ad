package asset

import (
	"crypto/md5" // #nosec G501 -- the 128-bit digest is fixed by the repository index format
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestLength is the number of hex characters in a Digest.
const DigestLength = 32

// Digest identifies content by the lowercase hex MD5 of its bytes.
type Digest string

// Of returns the digest of data.
func Of(data []byte) Digest {
	sum := md5.Sum(data) // #nosec G401
	return Digest(hex.EncodeToString(sum[:]))
}

// ParseDigest validates s and normalizes it to lower case.
func ParseDigest(s string) (Digest, error) {
	d := Digest(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("invalid digest %q: want %d hex characters", s, DigestLength)
	}
	return d, nil
}

// Valid reports whether d is exactly 32 lowercase hex characters.
func (d Digest) Valid() bool {
	if len(d) != DigestLength {
		return false
	}
	for i := 0; i < len(d); i++ {
		c := d[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (d Digest) String() string { return string(d) }
