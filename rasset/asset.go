package rasset

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Size is an upper bound for both image dimensions. Zero value means "no bound".
type Size struct {
	Width  int
	Height int
}

// DefaultPreloadSize is used to warm the cache for article cards.
var DefaultPreloadSize = Size{Width: 800, Height: 400}

func (s Size) IsZero() bool {
	return s.Width <= 0 && s.Height <= 0
}

// AssetItem is anything that may reference an image, for example a summarized article.
// An empty string means that there is no image.
type AssetItem interface {
	ImageURL() string
}

// IsHTTPURL reports whether rawURL is an absolute http(s) url. Only such urls are ever fetched.
func IsHTTPURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CacheKey returns the cache key for the original (not proxied) url. The same url
// always maps to the same key, no matter how it is fetched.
func CacheKey(originalURL string) string {
	hash := sha256.Sum256([]byte(originalURL))
	return hex.EncodeToString(hash[:])
}

type CacheStats struct {
	FileCount      int   `json:"file_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}
