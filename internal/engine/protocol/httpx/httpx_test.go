package httpx

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRequest_SetsRangeHeader(t *testing.T) {
	req, err := BuildRequest(RequestSpec{
		URL:     "https://example.com/file.bin",
		RangeLo: 100,
		RangeHi: 199,
	})
	assert.NoError(t, err)
	assert.Equal(t, "bytes=100-199", req.Header.Get("Range"))
	assert.NotEmpty(t, req.Header.Get("User-Agent"))
}

func TestBuildRequest_OpenEndedRange(t *testing.T) {
	req, err := BuildRequest(RequestSpec{URL: "https://example.com/file.bin", RangeLo: 50, RangeHi: -1})
	assert.NoError(t, err)
	assert.Equal(t, "bytes=50-", req.Header.Get("Range"))
}

func TestClassifyStatus(t *testing.T) {
	_, ok := ClassifyStatus(http.StatusPartialContent)
	assert.True(t, ok)

	_, ok = ClassifyStatus(http.StatusOK)
	assert.True(t, ok)

	err, ok := ClassifyStatus(http.StatusTooManyRequests)
	assert.False(t, ok)
	assert.NotNil(t, err)

	err, ok = ClassifyStatus(http.StatusUnauthorized)
	assert.False(t, ok)
	assert.NotNil(t, err)
}

func TestSameHost(t *testing.T) {
	a, _ := url.Parse("https://Example.com/a")
	b, _ := url.Parse("https://example.com/b")
	c, _ := url.Parse("https://other.com/b")

	assert.True(t, SameHost(a, b))
	assert.False(t, SameHost(a, c))
}

func TestCarryCredentials_OnlySameHost(t *testing.T) {
	prev, _ := http.NewRequest("GET", "https://example.com/a", nil)
	prev.Header.Set("Authorization", "Bearer token")

	sameHost, _ := http.NewRequest("GET", "https://example.com/b", nil)
	CarryCredentials(prev, sameHost)
	assert.Equal(t, "Bearer token", sameHost.Header.Get("Authorization"))

	otherHost, _ := http.NewRequest("GET", "https://other.com/b", nil)
	CarryCredentials(prev, otherHost)
	assert.Empty(t, otherHost.Header.Get("Authorization"))
}

func TestDigestAuth_ComputesResponse(t *testing.T) {
	challenge := `Digest realm="test", nonce="abc123", qop="auth", opaque="xyz"`
	d, err := NewDigestAuth("user", "pass", challenge)
	assert.NoError(t, err)
	assert.Equal(t, "abc123", d.Nonce)
	assert.Equal(t, "auth", d.Qop)

	auth := d.Authorization("GET", "/file.bin")
	assert.Contains(t, auth, `username="user"`)
	assert.Contains(t, auth, `nc=00000001`)
}

func TestNewDigestAuth_RequiresNonce(t *testing.T) {
	_, err := NewDigestAuth("user", "pass", `Digest realm="test"`)
	assert.Error(t, err)
}
