package web

type (
	BatchRequest struct {
		URLs   []string `json:"urls"`
		Width  int      `json:"width"`
		Height int      `json:"height"`
	}

	BatchResponse struct {
		// Images contains all http(s) urls from the request, unavailable images are null.
		Images map[string]*ImageInfo `json:"images"`
	}

	ImageInfo struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
)

type (
	PreloadRequest struct {
		URLs []string `json:"urls"`
	}

	PreloadResponse struct {
		// Accepted is the number of http(s) urls that will be loaded.
		Accepted int `json:"accepted"`
	}
)

type (
	CacheStatsResponse struct {
		FileCount      int     `json:"file_count"`
		TotalSizeBytes int64   `json:"total_size_bytes"`
		TotalSize      string  `json:"total_size"`
		SizeMB         float64 `json:"size_mb"`
	}

	ClearCacheResponse struct {
		Removed int `json:"removed"`
	}
)
