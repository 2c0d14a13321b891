package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
)

// cookieBucketSeconds is the width of the time bucket a cookie is bound
// to; a cookie verifies against the current bucket and the previous one,
// giving roughly one bucket's worth of slack for clock skew and network
// delay between mint and verify.
const cookieBucketSeconds = 15

// CookieIssuer mints and verifies address-bound, time-bound cookies without
// allocating any per-client state, per spec.md section 4.4: the server can
// answer C2S_HELLO with a cookie before it has committed any memory to the
// client. The cookie is an HMAC over the client address and a coarse time
// bucket, truncated to 32 bits to match the wire's 4-byte echoable cookie
// field.
type CookieIssuer struct {
	secret [32]byte
}

// NewCookieIssuer creates an issuer with a fresh random secret. The secret
// never leaves the process and is not persisted, so a restart invalidates
// all outstanding cookies — acceptable since a cookie's lifetime is a
// handful of seconds within one handshake.
func NewCookieIssuer() (*CookieIssuer, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, err
	}
	return &CookieIssuer{secret: secret}, nil
}

// Mint returns a 32-bit cookie bound to addr and the time bucket containing
// now.
func (c *CookieIssuer) Mint(addr []byte, nowUnix int64) uint32 {
	return c.tagForBucket(addr, bucketFor(nowUnix))
}

// Verify reports whether cookie was minted for addr within the current or
// immediately preceding time bucket relative to now.
func (c *CookieIssuer) Verify(addr []byte, cookie uint32, nowUnix int64) bool {
	current := bucketFor(nowUnix)
	if cookie == c.tagForBucket(addr, current) {
		return true
	}
	return cookie == c.tagForBucket(addr, current-1)
}

func (c *CookieIssuer) tagForBucket(addr []byte, bucket int64) uint32 {
	mac := hmac.New(sha256.New, c.secret[:])
	mac.Write(addr)
	var bucketBytes [8]byte
	binary.BigEndian.PutUint64(bucketBytes[:], uint64(bucket))
	mac.Write(bucketBytes[:])
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

func bucketFor(nowUnix int64) int64 {
	return nowUnix / cookieBucketSeconds
}
