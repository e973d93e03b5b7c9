package rasset

import (
	"context"
	"image"
)

// ImageLoader loads remote images. Unavailable images are not errors: LoadImage returns
// false and LoadImagesBatch maps the url to nil.
type ImageLoader interface {
	LoadImage(ctx context.Context, url string, target Size) (image.Image, bool)
	LoadImagesBatch(ctx context.Context, urls []string, target Size) map[string]image.Image
	PreloadURLs(ctx context.Context, urls []string)

	ClearCache(maxAgeHours int) int
	GetCacheStats() CacheStats
}
