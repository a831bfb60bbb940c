// Package transform rewrites fetched documents for the mirror and reports the references they need
package transform

import (
	"context"
	"errors"

	"ssb-archive/pkg/models"
	"ssb-archive/pkg/parse"
	"ssb-archive/pkg/utils"
)

// Document is a fetched document together with its place in the crawl
type Document struct {
	Ref      parse.Ref // Canonical reference the document was fetched from
	Depth    int
	Priority bool
	Body     []byte
}

// Result is the rewritten content and the references discovered in it
type Result struct {
	Content  []byte
	Children []models.WorkItem // Ref holds the normalized reference
	Title    string
}

// Transformer rewrites one kind of document
type Transformer interface {
	Transform(ctx context.Context, doc *Document) (*Result, error)
}

// Resolver is the part of resolve.Resolver transformers depend on
type Resolver interface {
	Canonicalize(ctx context.Context, raw string) (parse.Ref, error)
	ResolveRef(ctx context.Context, ref parse.Ref) (*models.Target, error)
	Fallback() string
}

// ClaimChecker reports whether a normalized reference was already claimed by the run
type ClaimChecker interface {
	IsClaimed(key string) bool
}

// PassThrough returns the body unchanged and discovers nothing
type PassThrough struct{}

func (PassThrough) Transform(_ context.Context, doc *Document) (*Result, error) {
	return &Result{Content: doc.Body}, nil
}

// Registry dispatches on the resolved kind of a document
type Registry struct {
	transformers map[models.Kind]Transformer
	fallback     Transformer
}

// NewRegistry creates a registry whose unregistered kinds pass through unchanged
func NewRegistry() *Registry {
	return &Registry{
		transformers: make(map[models.Kind]Transformer),
		fallback:     PassThrough{},
	}
}

func (r *Registry) Register(kind models.Kind, t Transformer) {
	r.transformers[kind] = t
}

// For returns the transformer registered for kind, or PassThrough
func (r *Registry) For(kind models.Kind) Transformer {
	if t, ok := r.transformers[kind]; ok {
		return t
	}
	return r.fallback
}

// rewriteOutcome is what happened to one reference inside a document
type rewriteOutcome int

const (
	keepOriginal rewriteOutcome = iota // Not ours to touch (external, denylisted)
	useFallback                        // Ours, but nothing to point at
	usePublic                          // Rewritten to the mirrored file
)

// resolveForRewrite classifies a reference. Only context errors are returned.
func resolveForRewrite(ctx context.Context, r Resolver, ref parse.Ref) (*models.Target, rewriteOutcome, error) {
	target, err := r.ResolveRef(ctx, ref)
	switch {
	case err == nil:
		return target, usePublic, nil
	case ctx.Err() != nil:
		return nil, keepOriginal, ctx.Err()
	case errors.Is(err, utils.ErrUnresolvable):
		return nil, keepOriginal, nil
	}
	return nil, useFallback, nil
}

// childSet collects children in discovery order, one per normalized reference.
// A priority discovery upgrades an earlier non-priority one.
type childSet struct {
	index map[string]int
	items []models.WorkItem
}

func newChildSet() *childSet {
	return &childSet{index: make(map[string]int)}
}

func (c *childSet) add(item models.WorkItem) {
	if i, ok := c.index[item.Ref]; ok {
		if item.Priority && !c.items[i].Priority {
			c.items[i] = item
		}
		return
	}
	c.index[item.Ref] = len(c.items)
	c.items = append(c.items, item)
}
