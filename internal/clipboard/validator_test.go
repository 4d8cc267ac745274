package clipboard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractURL_AcceptsHTTPAndHTTPS(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, "http://example.com/file.zip", v.ExtractURL("http://example.com/file.zip"))
	assert.Equal(t, "https://example.com/file.zip", v.ExtractURL("https://example.com/file.zip"))
}

func TestExtractURL_AcceptsFTPVariants(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, "ftp://example.com/file.bin", v.ExtractURL("ftp://example.com/file.bin"))
	assert.Equal(t, "ftps://example.com/file.bin", v.ExtractURL("ftps://example.com/file.bin"))
	assert.Equal(t, "ftpes://example.com/file.bin", v.ExtractURL("ftpes://example.com/file.bin"))
}

func TestExtractURL_TrimsSurroundingWhitespace(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, "https://example.com/file.zip", v.ExtractURL("  https://example.com/file.zip\t"))
}

func TestExtractURL_RejectsUnsupportedScheme(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, "", v.ExtractURL("javascript:alert(1)"))
	assert.Equal(t, "", v.ExtractURL("mailto:a@b.com"))
}

func TestExtractURL_RejectsPlainText(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, "", v.ExtractURL("just some copied text"))
}

func TestExtractURL_RejectsMultilineInput(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, "", v.ExtractURL("https://example.com/a\nhttps://example.com/b"))
}

func TestExtractURL_RejectsOverlongInput(t *testing.T) {
	v := NewValidator()
	long := "https://example.com/" + strings.Repeat("a", 3000)
	assert.Equal(t, "", v.ExtractURL(long))
}

func TestExtractURL_RejectsMissingHost(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, "", v.ExtractURL("https:///no-host"))
}
