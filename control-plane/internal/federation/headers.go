package federation

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers carrying query metadata between instances.
const (
	HeaderTotalCount   = "Total-Count"
	HeaderETag         = "ETag"
	HeaderLastModified = "Last-Modified"
	HeaderInstanceID   = "Instance-Id"
)

// WriteHeaders sets the metadata headers for a query response.
func WriteHeaders(h http.Header, stats QueryStats, instanceID string) {
	h.Set(HeaderTotalCount, strconv.Itoa(stats.TotalCount))
	if stats.ETag != "" {
		h.Set(HeaderETag, `"`+stats.ETag+`"`)
	}
	if !stats.LastModified.IsZero() {
		h.Set(HeaderLastModified, stats.LastModified.UTC().Format(http.TimeFormat))
	}
	if instanceID != "" {
		h.Set(HeaderInstanceID, instanceID)
	}
}

// ReadHeaders parses the metadata headers of a peer response. A missing
// Last-Modified header yields now.
func ReadHeaders(h http.Header, now time.Time) QueryStats {
	var stats QueryStats

	if v := h.Get(HeaderTotalCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			stats.TotalCount = n
		}
	}
	stats.HighestTotalCountOfAllInstances = stats.TotalCount

	etag := strings.TrimPrefix(h.Get(HeaderETag), "W/")
	stats.ETag = strings.Trim(etag, `"`)

	stats.LastModified = now.UTC()
	if v := h.Get(HeaderLastModified); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			stats.LastModified = t.UTC()
		}
	}
	return stats
}
