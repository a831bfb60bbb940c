package transform

import (
	"context"
	"regexp"

	"github.com/sirupsen/logrus"

	"ssb-archive/pkg/models"
)

var (
	cssURLRe    = regexp.MustCompile(`url\(\s*(?:"([^"]*)"|'([^']*)'|([^'"()\s]*))\s*\)`)
	cssImportRe = regexp.MustCompile(`@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// CSSTransformer rewrites url(...) and @import references of stylesheets.
// Referenced resources inherit the stylesheet's depth.
type CSSTransformer struct {
	resolver Resolver
	log      *logrus.Entry
}

func NewCSSTransformer(resolver Resolver, log *logrus.Entry) *CSSTransformer {
	return &CSSTransformer{resolver: resolver, log: log.WithField("transformer", "css")}
}

// Transform implements Transformer
func (t *CSSTransformer) Transform(ctx context.Context, doc *Document) (*Result, error) {
	children := newChildSet()
	var ctxErr error

	rewrite := func(re *regexp.Regexp, format func(quote, ref string) string) func(string) string {
		return func(match string) string {
			if ctxErr != nil {
				return match
			}
			raw, quote := cssReference(re.FindStringSubmatch(match))

			ref, err := t.resolver.Canonicalize(ctx, raw)
			if err != nil {
				return match
			}
			target, outcome, err := resolveForRewrite(ctx, t.resolver, ref)
			if err != nil {
				ctxErr = err
				return match
			}
			switch outcome {
			case useFallback:
				return format(quote, t.resolver.Fallback())
			case usePublic:
				children.add(models.WorkItem{Ref: target.Key, Depth: doc.Depth, Role: models.RoleAsset})
				return format(quote, target.WithFragment(ref.Fragment).PublicURL)
			}
			return match
		}
	}

	css := string(doc.Body)
	css = cssImportRe.ReplaceAllStringFunc(css, rewrite(cssImportRe, func(q, ref string) string {
		return "@import " + q + ref + q
	}))
	css = cssURLRe.ReplaceAllStringFunc(css, rewrite(cssURLRe, func(q, ref string) string {
		return "url(" + q + ref + q + ")"
	}))
	if ctxErr != nil {
		return nil, ctxErr
	}

	t.log.WithField("ref", doc.Ref.Key()).Debugf("Rewrote stylesheet, %d children", len(children.items))
	return &Result{Content: []byte(css), Children: children.items}, nil
}

// cssReference picks the reference and its quote out of a url() or @import submatch
func cssReference(sub []string) (raw, quote string) {
	switch {
	case len(sub) > 1 && sub[1] != "":
		return sub[1], `"`
	case len(sub) > 2 && sub[2] != "":
		return sub[2], `'`
	case len(sub) > 3:
		return sub[3], ""
	}
	return "", ""
}
