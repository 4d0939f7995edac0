// Package scraper defines core types shared across subsystems.
package scraper

import (
	"fmt"
	"time"
)

// Theme identifies the site-template family a source is rendered with.
type Theme string

// Supported theme variants. The set is closed; an unknown tag is a configuration error.
const (
	ThemeMadara      Theme = "madara"
	ThemeMangaReader Theme = "mangareader"
	ThemeGenkan      Theme = "genkan"
)

// Source is a configured origin site.
type Source struct {
	ID                  string   `json:"id" mapstructure:"id"`
	Name                string   `json:"name" mapstructure:"name"`
	BaseURL             string   `json:"base_url" mapstructure:"base_url"`
	Theme               Theme    `json:"theme" mapstructure:"theme"`
	Active              bool     `json:"active" mapstructure:"active"`
	ScanIntervalMinutes int      `json:"scan_interval_minutes" mapstructure:"scan_interval_minutes"`
	ProxyLabel          string   `json:"proxy_label,omitempty" mapstructure:"proxy_label"`
	BlacklistCategories []string `json:"blacklist_categories,omitempty" mapstructure:"blacklist_categories"`
	IgnoreSeries        []string `json:"ignore_series,omitempty" mapstructure:"ignore_series"`
}

// JobKind selects which engine operations a job runs.
type JobKind string

// Job kinds accepted by the queue.
const (
	JobKindRecent        JobKind = "recent"
	JobKindFullPageRange JobKind = "full-page-range"
	JobKindSingleSeries  JobKind = "single-series"
	JobKindSingleEpisode JobKind = "single-episode"
)

// Priorities used at admission. Higher values are dequeued first.
const (
	PriorityBackfill  = 1
	PriorityScheduled = 5
	PriorityManual    = 10
)

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values.
const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobParams carries the kind-specific optional fields of a job.
type JobParams struct {
	Page      int    `json:"page,omitempty"`
	OrderHint string `json:"order,omitempty"`
	URL       string `json:"url,omitempty"`
	SeriesID  string `json:"series_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Job is a unit of scraping work owned by the queue from admission to a terminal state.
type Job struct {
	ID        string      `json:"id"`
	SourceID  string      `json:"source_id"`
	Kind      JobKind     `json:"kind"`
	Params    JobParams   `json:"params"`
	Priority  int         `json:"priority"`
	Attempt   int         `json:"attempt"`
	Status    JobStatus   `json:"status"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
	Counters  JobCounters `json:"counters"`
}

// Validate checks that the kind-specific fields are populated.
func (j Job) Validate() error {
	if j.SourceID == "" {
		return fmt.Errorf("%w: source id is required", ErrConfig)
	}
	switch j.Kind {
	case JobKindRecent:
		return nil
	case JobKindFullPageRange:
		if j.Params.Page < 1 {
			return fmt.Errorf("%w: full-page-range job needs a page >= 1", ErrConfig)
		}
	case JobKindSingleSeries:
		if j.Params.URL == "" {
			return fmt.Errorf("%w: single-series job needs a series url", ErrConfig)
		}
	case JobKindSingleEpisode:
		if j.Params.URL == "" || j.Params.SeriesID == "" {
			return fmt.Errorf("%w: single-episode job needs an episode url and series id", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrConfig, j.Kind)
	}
	return nil
}

// JobCounters tracks what a job produced.
type JobCounters struct {
	Series       int `json:"series"`
	SeriesFailed int `json:"series_failed"`
	Episodes     int `json:"episodes"`
	ImagesStored int `json:"images_stored"`
	ImagesFailed int `json:"images_failed"`
}

// QueueSnapshot is a point-in-time count of jobs per state.
type QueueSnapshot struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// SeriesRef is a candidate series found on an index page.
type SeriesRef struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// SeriesRecord is the normalized output of a series detail page.
type SeriesRecord struct {
	ID             string          `json:"id"`
	SourceID       string          `json:"source_id"`
	URL            string          `json:"url"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Genres         []string        `json:"genres,omitempty"`
	CoverURL       string          `json:"cover_url"`
	LocalCoverPath string          `json:"local_cover_path,omitempty"`
	CoverSize      int64           `json:"cover_size,omitempty"`
	CoverProcessed *time.Time      `json:"cover_processed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Episodes       []EpisodeRecord `json:"episodes,omitempty"`
}

// EpisodeRecord is one episode of a series.
type EpisodeRecord struct {
	ID          string           `json:"id"`
	SeriesID    string           `json:"series_id"`
	SourceID    string           `json:"source_id"`
	URL         string           `json:"url"`
	Name        string           `json:"name"`
	Number      float64          `json:"number"`
	ImageURLs   []string         `json:"image_urls"`
	LocalPaths  []string         `json:"local_paths,omitempty"`
	ImageSizes  map[string]int64 `json:"image_sizes,omitempty"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Processed reports whether the episode already has a stored image set.
func (e EpisodeRecord) Processed() bool {
	return e.ProcessedAt != nil && len(e.ImageURLs) > 0
}

// ImageAsset is the result of acquiring one remote image.
type ImageAsset struct {
	RemoteURL string `json:"remote_url"`
	LocalPath string `json:"local_path,omitempty"`
	Size      int64  `json:"size"`
	Processed bool   `json:"processed"`
	Err       error  `json:"-"`
}

// OK reports whether the asset has a usable local copy.
func (a ImageAsset) OK() bool {
	return a.Err == nil && a.Processed
}

// ProxyEndpoint is one egress identity.
type ProxyEndpoint struct {
	Label    string `json:"label" mapstructure:"label"`
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"-" mapstructure:"username"`
	Password string `json:"-" mapstructure:"password"`
}

// Direct reports whether the endpoint means "no proxy".
func (p ProxyEndpoint) Direct() bool {
	return p.Host == ""
}

// Address returns host:port, or an empty string for the direct endpoint.
func (p ProxyEndpoint) Address() string {
	if p.Direct() {
		return ""
	}
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ProxyStats reports usage of one endpoint.
type ProxyStats struct {
	Label     string     `json:"label"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Requests  int64      `json:"requests"`
	Failures  int64      `json:"failures"`
	IsCurrent bool       `json:"is_current"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
