package rasset

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsHTTPURL(t *testing.T) {
	for url, want := range map[string]bool{
		"http://ok.test/a.png":          true,
		"https://example.com/img?x=1":   true,
		"HTTPS://EXAMPLE.COM/a.jpg":     true,
		"":                              false,
		"not-a-url":                     false,
		"ftp://example.com/a.png":       false,
		"data:image/png;base64,iVBORw0": false,
		"//example.com/a.png":           false,
		"http://":                       false,
		"/relative/a.png":               false,
		"httpx://example.com":           false,
	} {
		require.Equal(t, want, IsHTTPURL(url), "url: %q", url)
	}
}

func TestCacheKey(t *testing.T) {
	r := require.New(t)

	key := CacheKey("http://ok.test/a.png")
	r.Len(key, 64)
	r.Equal(key, CacheKey("http://ok.test/a.png"))
	r.NotEqual(key, CacheKey("http://ok.test/b.png"))
}

func TestErrorClassification(t *testing.T) {
	r := require.New(t)

	transient := &TransientError{Attempt: 1, Err: errors.New("timeout")}
	r.True(IsTransient(fmt.Errorf("wrapped: %w", transient)))
	r.False(IsPermanent(transient))
	r.Equal("attempt #2 failed: timeout", transient.Error())

	for _, err := range []error{
		ErrNotFound,
		fmt.Errorf("got 404: %w", ErrNotFound),
		ErrSizeLimitExceeded,
		ErrInvalidURL,
		&DecodeError{Err: errors.New("bad magic")},
	} {
		r.True(IsPermanent(err), "err: %v", err)
		r.False(IsTransient(err), "err: %v", err)
	}

	r.ErrorIs(&DecodeError{Err: errors.New("bad magic")}, ErrDecode)
}
