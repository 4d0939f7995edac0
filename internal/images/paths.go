package images

import "fmt"

// Ext is the extension of every normalized asset.
const Ext = "jpg"

// CoverPath is where a series cover is stored, relative to the store root.
func CoverPath(seriesID string) string {
	return fmt.Sprintf("series/%s/cover.%s", seriesID, Ext)
}

// EpisodeImagePath is where page index (1-based) of an episode is stored.
func EpisodeImagePath(seriesID, episodeID string, index int) string {
	return fmt.Sprintf("series/%s/episodes/%s/%03d.%s", seriesID, episodeID, index, Ext)
}
