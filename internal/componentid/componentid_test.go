package componentid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"simple", "simple"},
		{"with-dashes", "with-dashes"},
		{"with.dots", "with.dots"},
		{"with_underscores", "with_underscores"},
		{"with/slashes", "with_slashes"},
		{"with spaces", "with_spaces"},
		{"with///multiple", "with_multiple"},
		{"trailing/", "trailing"},
		{"/leading", "leading"},
		{"", "unnamed"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Sanitize(c.in), "input %q", c.in)
	}
}

func TestSanitizeTruncatesOnUTF8Boundary(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := Sanitize(long)
	assert.LessOrEqual(t, len(got), maxLen)

	longUnicode := strings.Repeat("é", 100) // each é is allowed-rejected -> underscore, collapses to one
	got2 := Sanitize(longUnicode)
	assert.LessOrEqual(t, len(got2), maxLen)
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{"Mixed Case/Input!!", "", "a/b/c", strings.Repeat("x_", 100)}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		assert.Equal(t, once, twice, "not idempotent for %q", in)
	}
}

func TestFromURI(t *testing.T) {
	cases := []struct {
		uri, want string
	}{
		{"file:///home/user/components/time.wasm", "time.wasm"},
		{"https://example.com/components/fetch-rs.wasm", "fetch-rs.wasm"},
		{"oci://ghcr.io/microsoft/time:latest", "time"},
		{"oci://ghcr.io/microsoft/time@sha256:abc", "time"},
		{"/plain/path/arxiv.wasm", "arxiv.wasm"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, FromURI(c.uri), "uri %q", c.uri)
	}
}
