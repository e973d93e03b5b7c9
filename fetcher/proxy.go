package fetcher

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/ShoshinNikita/rasset/rasset"
)

// RewriteURL returns the url that should be requested instead of rawURL. With enabled proxy
// images are shrunk and converted by the proxy before the transfer.
//
// See https://images.weserv.nl/docs/ for the query parameters.
func RewriteURL(rawURL string, cfg rasset.ProxyConfig) string {
	if !cfg.Enabled || !rasset.IsHTTPURL(rawURL) {
		return rawURL
	}

	noScheme := rawURL[strings.Index(rawURL, "://")+len("://"):]

	format := cfg.Format
	if format == "" {
		format = "webp"
	}

	query := url.Values{}
	query.Set("url", noScheme)
	query.Set("w", strconv.Itoa(cfg.Width))
	query.Set("q", strconv.Itoa(cfg.Quality))
	query.Set("output", format)

	sep := "?"
	if strings.Contains(cfg.BaseURL, "?") {
		sep = "&"
	}
	return cfg.BaseURL + sep + query.Encode()
}
