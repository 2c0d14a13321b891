package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieRoundTrip(t *testing.T) {
	issuer, err := NewCookieIssuer()
	require.NoError(t, err)

	addr := []byte("203.0.113.7:443")
	now := int64(1_700_000_000)

	cookie := issuer.Mint(addr, now)
	assert.True(t, issuer.Verify(addr, cookie, now))
}

func TestCookieRejectsWrongAddress(t *testing.T) {
	issuer, err := NewCookieIssuer()
	require.NoError(t, err)

	now := int64(1_700_000_000)
	cookie := issuer.Mint([]byte("203.0.113.7:443"), now)

	assert.False(t, issuer.Verify([]byte("203.0.113.8:443"), cookie, now))
}

func TestCookieToleratesOneBucketOfSkew(t *testing.T) {
	issuer, err := NewCookieIssuer()
	require.NoError(t, err)

	addr := []byte("203.0.113.7:443")
	now := int64(1_700_000_000)
	cookie := issuer.Mint(addr, now)

	assert.True(t, issuer.Verify(addr, cookie, now+cookieBucketSeconds))
}

func TestCookieRejectsStale(t *testing.T) {
	issuer, err := NewCookieIssuer()
	require.NoError(t, err)

	addr := []byte("203.0.113.7:443")
	now := int64(1_700_000_000)
	cookie := issuer.Mint(addr, now)

	assert.False(t, issuer.Verify(addr, cookie, now+cookieBucketSeconds*3))
}

func TestCookieDifferentIssuersDisagree(t *testing.T) {
	a, err := NewCookieIssuer()
	require.NoError(t, err)
	b, err := NewCookieIssuer()
	require.NoError(t, err)

	addr := []byte("203.0.113.7:443")
	now := int64(1_700_000_000)
	cookie := a.Mint(addr, now)

	assert.False(t, b.Verify(addr, cookie, now))
}
