package cache

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Cache TTLs per key family.
const (
	URLTTL        = time.Hour
	MediaListTTL  = time.Minute
	StatsTTL      = 30 * time.Second
	QueueStatsTTL = 5 * time.Second
)

// Fixed keys and invalidation patterns.
const (
	StatsMediaKey    = "stats:media"
	QueueStatsKey    = "queue:stats"
	MediaListPattern = "media:*"
)

const urlKeyMax = 100

// URLKey builds the per-URL extraction cache key. The URL is base64url
// encoded and truncated to keep keys bounded.
func URLKey(pageURL string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(pageURL))
	if len(enc) > urlKeyMax {
		enc = enc[:urlKeyMax]
	}
	return "url:" + enc
}

// MediaListKey builds the paginated media result cache key.
func MediaListKey(page, limit int, mediaType, search string) string {
	if mediaType == "" {
		mediaType = "all"
	}
	return fmt.Sprintf("media:list:%d:%d:%s:%s", page, limit, mediaType, search)
}
