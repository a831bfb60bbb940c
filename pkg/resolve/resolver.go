// Package resolve maps origin references onto the public URL and local file of the mirror
package resolve

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"ssb-archive/pkg/config"
	"ssb-archive/pkg/fetch"
	"ssb-archive/pkg/models"
	"ssb-archive/pkg/parse"
	"ssb-archive/pkg/utils"
)

// Fetcher is the lookup side of the fetch cache
type Fetcher interface {
	Fetch(ctx context.Context, ref parse.Ref) (*fetch.Response, error)
}

// RobotsChecker reports whether a reference may be fetched
type RobotsChecker interface {
	Allowed(ctx context.Context, ref parse.Ref) bool
}

// preferredExts wins over mime.ExtensionsByType, whose order is platform dependent
var preferredExts = map[string]string{
	"text/html":                "html",
	"application/xhtml+xml":    "html",
	"text/css":                 "css",
	"application/json":         "json",
	"text/javascript":          "js",
	"application/javascript":   "js",
	"text/plain":               "txt",
	"image/png":                "png",
	"image/jpeg":               "jpg",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/svg+xml":            "svg",
	"image/x-icon":             "ico",
	"image/vnd.microsoft.icon": "ico",
	"font/woff":                "woff",
	"font/woff2":               "woff2",
	"application/pdf":          "pdf",
	"audio/mpeg":               "mp3",
	"video/mp4":                "mp4",
}

// ExtensionForMediaType returns the file extension (without dot) for a media type, or "" when unknown
func ExtensionForMediaType(mediaType string) string {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if mediaType == "" || mediaType == "application/octet-stream" {
		return ""
	}
	if ext, ok := preferredExts[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return ""
}

// ProfilePath is the origin path of an identity's profile page
func ProfilePath(identity string) string {
	return "/author/" + parse.EncodeComponent(identity)
}

type memoEntry struct {
	target *models.Target
	err    error
}

// Resolver turns raw references into mirror targets. Results are memoized per normalized
// reference, so a reference resolves to the same target for the whole run.
type Resolver struct {
	rules         []config.PrefixRule
	denylist      []string
	denyPatterns  []*regexp.Regexp
	profilePrefix string
	profilePath   string
	fallback      string

	fetcher Fetcher
	robots  RobotsChecker

	mu    sync.RWMutex
	memo  map[string]memoEntry
	group singleflight.Group
	log   *logrus.Entry
}

// New builds a resolver from a validated config. robots may be nil.
func New(cfg *config.AppConfig, fetcher Fetcher, robots RobotsChecker, log *logrus.Entry) (*Resolver, error) {
	patterns, err := utils.CompileRegexPatterns(cfg.DenylistPatterns)
	if err != nil {
		return nil, err
	}
	if len(cfg.Seeds) == 0 {
		return nil, fmt.Errorf("%w: no seed identity to alias %s to", utils.ErrConfigValidation, cfg.DefaultProfilePrefix)
	}
	denylist := make([]string, 0, len(cfg.Denylist))
	for _, d := range cfg.Denylist {
		denylist = append(denylist, parse.CanonicalPath(d))
	}
	return &Resolver{
		rules:         cfg.PrefixRules,
		denylist:      denylist,
		denyPatterns:  patterns,
		profilePrefix: cfg.DefaultProfilePrefix,
		profilePath:   ProfilePath(cfg.Seeds[0]),
		fallback:      cfg.FallbackRoute,
		fetcher:       fetcher,
		robots:        robots,
		memo:          make(map[string]memoEntry),
		log:           log.WithField("component", "resolver"),
	}, nil
}

// Fallback is the public URL written in place of references that cannot be mirrored
func (r *Resolver) Fallback() string {
	return r.fallback
}

// Canonicalize parses raw and applies the reference policy: denylist, robots and the
// default-profile alias. The returned Ref is the identity used for claims and fetches.
func (r *Resolver) Canonicalize(ctx context.Context, raw string) (parse.Ref, error) {
	ref, err := parse.ParseRef(raw)
	if err != nil {
		return parse.Ref{}, err
	}
	for _, d := range r.denylist {
		if ref.HasPathPrefix(d) {
			return parse.Ref{}, fmt.Errorf("%w: '%s' is denylisted", utils.ErrUnresolvable, ref.Path)
		}
	}
	if utils.MatchAny(r.denyPatterns, ref.Path) {
		return parse.Ref{}, fmt.Errorf("%w: '%s' matches a denylist pattern", utils.ErrUnresolvable, ref.Path)
	}
	if r.profilePrefix != "" {
		ref = ref.ReplacePathPrefix(r.profilePrefix, r.profilePath)
	}
	if r.robots != nil && !r.robots.Allowed(ctx, ref) {
		return parse.Ref{}, fmt.Errorf("%w: %w: '%s'", utils.ErrUnresolvable, utils.ErrRobotsDisallowed, ref.Path)
	}
	return ref, nil
}

// Resolve maps raw onto its mirror target. ErrUnresolvable means the reference must be left
// untouched; ErrUnavailable means the origin has nothing for it and links should use Fallback.
// The returned target carries raw's fragment on its PublicURL.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*models.Target, error) {
	ref, err := r.Canonicalize(ctx, raw)
	if err != nil {
		return nil, err
	}
	target, err := r.ResolveRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	withFragment := target.WithFragment(ref.Fragment)
	return &withFragment, nil
}

// ResolveRef resolves an already canonical reference. The fragment is ignored.
func (r *Resolver) ResolveRef(ctx context.Context, ref parse.Ref) (*models.Target, error) {
	key := ref.Key()
	if entry, ok := r.lookup(key); ok {
		return entry.target, entry.err
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if entry, ok := r.lookup(key); ok {
			return entry.target, entry.err
		}
		target, err := r.resolve(ctx, ref)
		if err != nil && ctx.Err() != nil {
			return nil, err
		}
		r.store(key, memoEntry{target: target, err: err})
		return target, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Target), nil
}

// MarkUnavailable records that key could not be fetched; later resolutions return ErrUnavailable
func (r *Resolver) MarkUnavailable(key string) {
	r.store(key, memoEntry{err: fmt.Errorf("%w: '%s' failed to fetch", utils.ErrUnavailable, key)})
}

func (r *Resolver) lookup(key string) (memoEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.memo[key]
	return entry, ok
}

func (r *Resolver) store(key string, entry memoEntry) {
	r.mu.Lock()
	r.memo[key] = entry
	r.mu.Unlock()
}

func (r *Resolver) resolve(ctx context.Context, ref parse.Ref) (*models.Target, error) {
	key := ref.Key()
	pathRef := ref
	ext := ""
	matched := false

	for _, rule := range r.rules {
		if !ref.HasPathPrefix(rule.Prefix) {
			continue
		}
		ext = rule.Ext
		if rule.Rewrite != "" {
			pathRef = ref.ReplacePathPrefix(rule.Prefix, rule.Rewrite)
		}
		matched = true
		break
	}

	if !matched {
		resp, err := r.fetcher.Fetch(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			if !errors.Is(err, utils.ErrUnavailable) {
				err = fmt.Errorf("%w: %w", utils.ErrUnavailable, err)
			}
			r.log.WithField("ref", key).Debugf("Lookup fetch failed: %v", err)
			return nil, err
		}
		ext = ExtensionForMediaType(resp.MediaType())
	}

	localSegs, publicSegs := mapSegments(pathRef, ext)
	target := &models.Target{
		Key:       key,
		PublicURL: "/" + strings.Join(publicSegs, "/"),
		Ext:       ext,
		LocalPath: strings.Join(localSegs, "/"),
		Kind:      models.KindFromExt(ext),
	}
	r.log.WithFields(logrus.Fields{"ref": key, "local_path": target.LocalPath}).Trace("Resolved")
	return target, nil
}

// mapSegments computes the local and public segments of ref. The query becomes an extra
// segment, an empty final segment becomes "index" and ext is appended when missing.
func mapSegments(ref parse.Ref, ext string) (local, public []string) {
	segs := ref.Segments()
	querySeg := -1
	if ref.Query != "" {
		if segs[len(segs)-1] == "" {
			segs[len(segs)-1] = ref.Query
		} else {
			segs = append(segs, ref.Query)
		}
		querySeg = len(segs) - 1
	}

	last := len(segs) - 1
	if segs[last] == "" {
		segs[last] = "index"
	}
	if ext != "" && !strings.HasSuffix(strings.ToLower(segs[last]), "."+strings.ToLower(ext)) {
		segs[last] += "." + ext
	}

	local = make([]string, len(segs))
	public = make([]string, len(segs))
	for i, seg := range segs {
		if i == querySeg {
			local[i] = seg
			if strings.ContainsAny(seg, "/\x00") {
				local[i] = parse.EncodeComponent(seg)
			}
		} else {
			local[i] = localSegment(seg)
		}
		public[i] = parse.EncodeComponent(local[i])
	}
	return local, public
}

// localSegment decodes an encoded path segment for use as a file name. Segments whose decoded
// form would change the directory structure keep their encoded form.
func localSegment(seg string) string {
	decoded := parse.DecodeSegment(seg)
	switch {
	case decoded == "." || decoded == "..":
		return strings.ReplaceAll(decoded, ".", "%2E")
	case decoded == "", strings.ContainsAny(decoded, "/\x00"):
		return seg
	}
	return decoded
}
