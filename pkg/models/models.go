package models

import (
	"strings"
	"time"
)

// Role describes how a reference was discovered in its parent document
type Role int

const (
	RoleLink  Role = iota // a[href]: navigable hyperlink
	RoleAsset             // link[href], CSS url() and @import: page requisite
	RoleImage             // img[src]
)

func (r Role) String() string {
	switch r {
	case RoleLink:
		return "link"
	case RoleAsset:
		return "asset"
	case RoleImage:
		return "image"
	}
	return "unknown"
}

// IsRequisite reports whether the reference is needed to render its parent
func (r Role) IsRequisite() bool {
	return r == RoleAsset || r == RoleImage
}

// WorkItem is one unit of crawl work: a reference and the depth it was found at
type WorkItem struct {
	Ref      string // Raw origin-relative reference, fragment allowed
	Depth    int
	Priority bool // Exempt from the depth limit (seed pagination)
	Role     Role
}

// Kind is the closed set of document types the transformer registry dispatches on
type Kind string

const (
	KindHTML  Kind = "html"
	KindCSS   Kind = "css"
	KindJSON  Kind = "json"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

var imageExts = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true,
	"svg": true, "webp": true, "ico": true, "bmp": true, "avif": true,
}

// KindFromExt classifies a resolved extension (without the leading dot)
func KindFromExt(ext string) Kind {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch {
	case ext == "html" || ext == "htm":
		return KindHTML
	case ext == "css":
		return KindCSS
	case ext == "json":
		return KindJSON
	case imageExts[ext]:
		return KindImage
	}
	return KindOther
}

// Target is where a reference lives in the mirror
type Target struct {
	Key       string // Normalized reference after aliasing; identity for claims and fetches
	PublicURL string // Origin-relative URL written into rewritten documents, fragment included
	Ext       string // Inferred extension without dot; empty when unknown
	LocalPath string // Slash-separated path relative to the output root
	Kind      Kind
}

// WithFragment returns a copy of t whose PublicURL carries the fragment
func (t Target) WithFragment(fragment string) Target {
	if fragment != "" {
		t.PublicURL += "#" + fragment
	}
	return t
}

// PageDBEntry stores the outcome of processing one normalized reference
type PageDBEntry struct {
	Status      PageStatus `json:"status"`
	ErrorType   string     `json:"error_type,omitempty"`
	Kind        Kind       `json:"kind,omitempty"`
	LocalPath   string     `json:"local_path,omitempty"`
	ContentHash string     `json:"content_hash,omitempty"`
	ProcessedAt time.Time  `json:"processed_at,omitempty"`
	LastAttempt time.Time  `json:"last_attempt"`
	Depth       int        `json:"depth"`
}

// CrawlMetadata is the manifest written at the end of a run
type CrawlMetadata struct {
	RunID          string         `yaml:"run_id"`
	Origin         string         `yaml:"origin"`
	Seeds          []string       `yaml:"seeds"`
	CrawlStartTime time.Time      `yaml:"crawl_start_time"`
	CrawlEndTime   time.Time      `yaml:"crawl_end_time"`
	TotalSaved     int            `yaml:"total_saved"`
	TotalFailed    int            `yaml:"total_failed"`
	Pages          []PageMetadata `yaml:"pages"`
}

// PageMetadata describes one file written to the mirror
type PageMetadata struct {
	Reference     string    `yaml:"reference"`
	NormalizedRef string    `yaml:"normalized_ref"`
	PublicURL     string    `yaml:"public_url"`
	LocalFilePath string    `yaml:"local_file_path"`
	Kind          Kind      `yaml:"kind"`
	Title         string    `yaml:"title,omitempty"`
	Depth         int       `yaml:"depth"`
	Bytes         int       `yaml:"bytes"`
	ProcessedAt   time.Time `yaml:"processed_at"`
	ContentHash   string    `yaml:"content_hash,omitempty"`
}
