package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// IDs derives stable record ids from URLs.
type IDs struct {
	allowRandom bool
	random      func() string
	logger      *zap.Logger
}

// NewIDs builds an IDs. With allowRandom a URL without a usable slug gets a random id
// instead of being rejected.
func NewIDs(allowRandom bool, logger *zap.Logger) *IDs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IDs{
		allowRandom: allowRandom,
		random:      func() string { return uuid.NewString() },
		logger:      logger.Named("ids"),
	}
}

// Derive returns "<sourceID>_<slug>" where slug joins up to segments trailing path
// segments of rawURL.
func (d *IDs) Derive(sourceID, rawURL string, segments int) (string, error) {
	slug := slugFromURL(rawURL, segments)
	if slug != "" {
		return sourceID + "_" + slug, nil
	}
	metrics.ObserveDataQuality("no_stable_id")
	if !d.allowRandom {
		d.logger.Info("dropping item without stable id",
			zap.String("event", "data_quality"),
			zap.String("source_id", sourceID),
			zap.String("url", rawURL),
		)
		return "", fmt.Errorf("%w: %s", scraper.ErrNoStableID, rawURL)
	}
	id := sourceID + "_" + d.random()
	d.logger.Warn("assigned random id; re-scrapes will not upsert this item",
		zap.String("event", "data_quality"),
		zap.String("source_id", sourceID),
		zap.String("url", rawURL),
		zap.String("id", id),
	)
	return id, nil
}

func slugFromURL(rawURL string, segments int) string {
	if segments < 1 {
		segments = 1
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if s := sanitizeSegment(p); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	if len(parts) > segments {
		parts = parts[len(parts)-segments:]
	}
	return strings.Join(parts, "_")
}

func sanitizeSegment(seg string) string {
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	seg = strings.ToLower(strings.TrimSpace(seg))
	var b strings.Builder
	lastDash := false
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" || strings.Contains(out, "..") {
		return ""
	}
	return out
}
