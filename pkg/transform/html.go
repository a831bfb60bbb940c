package transform

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"ssb-archive/pkg/config"
	"ssb-archive/pkg/models"
	"ssb-archive/pkg/parse"
	"ssb-archive/pkg/utils"
)

// HTMLOptions controls cleaning and the depth policy of the HTML transformer
type HTMLOptions struct {
	MaxDepth            int
	PriorityPaths       []string // Canonical profile paths of the seed identities
	RemoveSelectors     []string
	UnwrapSelectors     []string
	PaginationSelectors []string
	PaginationQueryKeys []string
}

// HTMLOptionsFromConfig derives the options from a validated config; priorityPaths are the seeds' profile paths
func HTMLOptionsFromConfig(cfg *config.AppConfig, priorityPaths []string) HTMLOptions {
	return HTMLOptions{
		MaxDepth:            cfg.MaxDepth,
		PriorityPaths:       priorityPaths,
		RemoveSelectors:     cfg.HTML.RemoveSelectors,
		UnwrapSelectors:     cfg.HTML.UnwrapSelectors,
		PaginationSelectors: cfg.Pagination.Selectors,
		PaginationQueryKeys: cfg.Pagination.QueryKeys,
	}
}

// HTMLTransformer rewrites Oasis pages into static pages
type HTMLTransformer struct {
	opts     HTMLOptions
	priority map[string]bool
	queryKey map[string]bool
	resolver Resolver
	claims   ClaimChecker
	log      *logrus.Entry
}

func NewHTMLTransformer(opts HTMLOptions, resolver Resolver, claims ClaimChecker, log *logrus.Entry) *HTMLTransformer {
	t := &HTMLTransformer{
		opts:     opts,
		priority: make(map[string]bool, len(opts.PriorityPaths)),
		queryKey: make(map[string]bool, len(opts.PaginationQueryKeys)),
		resolver: resolver,
		claims:   claims,
		log:      log.WithField("transformer", "html"),
	}
	for _, p := range opts.PriorityPaths {
		t.priority[parse.CanonicalPath(p)] = true
	}
	for _, k := range opts.PaginationQueryKeys {
		t.queryKey[k] = true
	}
	return t
}

// Transform implements Transformer
func (t *HTMLTransformer) Transform(ctx context.Context, doc *Document) (*Result, error) {
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: HTML parse of '%s': %w", utils.ErrParsing, doc.Ref.Key(), err)
	}
	docLog := t.log.WithFields(logrus.Fields{"ref": doc.Ref.Key(), "depth": doc.Depth})

	// Pagination controls are identified before cleaning may move them
	pagination := make(map[*html.Node]bool)
	if t.priority[doc.Ref.Path] {
		for _, sel := range t.opts.PaginationSelectors {
			dom.Find(sel).Each(func(_ int, s *goquery.Selection) {
				pagination[s.Get(0)] = true
			})
		}
	}

	for _, sel := range t.opts.UnwrapSelectors {
		dom.Find(sel).Each(func(_ int, s *goquery.Selection) {
			s.ReplaceWithNodes(staticSpan(s))
		})
	}
	for _, sel := range t.opts.RemoveSelectors {
		dom.Find(sel).Remove()
	}

	children := newChildSet()
	var rewriteErr error

	requisites := []struct {
		selector, attr string
		role           models.Role
	}{
		{"link[href]", "href", models.RoleAsset},
		{"img[src]", "src", models.RoleImage},
	}
	for _, rq := range requisites {
		dom.Find(rq.selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			rewriteErr = t.rewriteRequisite(ctx, doc, s, rq.attr, rq.role, children)
			return rewriteErr == nil
		})
		if rewriteErr != nil {
			return nil, rewriteErr
		}
	}

	dom.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rewriteErr = t.rewriteLink(ctx, doc, s, pagination[s.Get(0)], children)
		return rewriteErr == nil
	})
	if rewriteErr != nil {
		return nil, rewriteErr
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, dom.Get(0)); err != nil {
		return nil, fmt.Errorf("%w: HTML render of '%s': %w", utils.ErrParsing, doc.Ref.Key(), err)
	}
	docLog.Debugf("Rewrote document, %d children", len(children.items))

	return &Result{
		Content:  buf.Bytes(),
		Children: children.items,
		Title:    strings.TrimSpace(dom.Find("title").First().Text()),
	}, nil
}

func (t *HTMLTransformer) rewriteRequisite(ctx context.Context, doc *Document, s *goquery.Selection, attr string, role models.Role, children *childSet) error {
	raw, _ := s.Attr(attr)
	ref, err := t.resolver.Canonicalize(ctx, raw)
	if err != nil {
		return nil
	}
	depth := doc.Depth + 1
	if depth > t.opts.MaxDepth && !t.claims.IsClaimed(ref.Key()) {
		s.SetAttr(attr, t.resolver.Fallback())
		return nil
	}

	target, outcome, err := resolveForRewrite(ctx, t.resolver, ref)
	if err != nil {
		return err
	}
	switch outcome {
	case useFallback:
		s.SetAttr(attr, t.resolver.Fallback())
	case usePublic:
		s.SetAttr(attr, target.WithFragment(ref.Fragment).PublicURL)
		children.add(models.WorkItem{Ref: target.Key, Depth: depth, Role: role})
	}
	return nil
}

func (t *HTMLTransformer) rewriteLink(ctx context.Context, doc *Document, s *goquery.Selection, paginationControl bool, children *childSet) error {
	raw, _ := s.Attr("href")
	ref, err := t.resolver.Canonicalize(ctx, raw)
	if err != nil {
		return nil
	}

	priority := t.priority[doc.Ref.Path] && (paginationControl || t.isPaginationTarget(doc.Ref, ref))
	depth := doc.Depth + 1
	if priority {
		depth = doc.Depth
	}

	if !priority && depth >= t.opts.MaxDepth && !t.claims.IsClaimed(ref.Key()) {
		s.SetAttr("href", t.resolver.Fallback())
		return nil
	}

	target, outcome, err := resolveForRewrite(ctx, t.resolver, ref)
	if err != nil {
		return err
	}
	switch outcome {
	case useFallback:
		s.SetAttr("href", t.resolver.Fallback())
	case usePublic:
		s.SetAttr("href", target.WithFragment(ref.Fragment).PublicURL)
		// Within-depth links are crawled; claimed links beyond the limit are only pointed at
		if priority || depth < t.opts.MaxDepth {
			children.add(models.WorkItem{Ref: target.Key, Depth: depth, Priority: priority, Role: models.RoleLink})
		}
	}
	return nil
}

// isPaginationTarget reports whether link points at the same path as doc with one of the pagination query keys
func (t *HTMLTransformer) isPaginationTarget(doc, link parse.Ref) bool {
	if link.Path != doc.Path || link.Query == "" || link.Query == doc.Query {
		return false
	}
	values, err := url.ParseQuery(link.Query)
	if err != nil {
		return false
	}
	for k := range values {
		if t.queryKey[k] {
			return true
		}
	}
	return false
}

// staticSpan replaces a live widget with its visible text and structured attributes
func staticSpan(s *goquery.Selection) *html.Node {
	node := s.Get(0)
	span := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr:     []html.Attribute{{Key: "class", Val: "static-" + node.Data}},
	}
	for _, a := range node.Attr {
		if strings.HasPrefix(a.Key, "data-") {
			span.Attr = append(span.Attr, a)
		}
	}
	if value, ok := s.Attr("value"); ok {
		span.Attr = append(span.Attr, html.Attribute{Key: "data-value", Val: value})
	} else if value, ok := s.Find("[value]").First().Attr("value"); ok {
		span.Attr = append(span.Attr, html.Attribute{Key: "data-value", Val: value})
	}
	if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
		span.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
	return span
}
