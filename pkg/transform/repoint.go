package transform

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"ssb-archive/pkg/models"
	"ssb-archive/pkg/utils"
)

// Repoint rewrites the references of an already written document whose public URL,
// fragment aside, is in dead so that they point at fallback. It returns the new content
// and the number of rewritten references; kinds without references come back unchanged.
func Repoint(kind models.Kind, body []byte, dead map[string]bool, fallback string) ([]byte, int, error) {
	switch kind {
	case models.KindHTML:
		return repointHTML(body, dead, fallback)
	case models.KindCSS:
		out, n := repointCSS(body, dead, fallback)
		return out, n, nil
	}
	return body, 0, nil
}

func isDead(dead map[string]bool, publicURL string) bool {
	u, _, _ := strings.Cut(publicURL, "#")
	return u != "" && dead[u]
}

func repointHTML(body []byte, dead map[string]bool, fallback string) ([]byte, int, error) {
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: HTML parse: %w", utils.ErrParsing, err)
	}
	n := 0
	dom.Find("[href], [src]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"href", "src"} {
			if v, ok := s.Attr(attr); ok && isDead(dead, v) {
				s.SetAttr(attr, fallback)
				n++
			}
		}
	})
	if n == 0 {
		return body, 0, nil
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, dom.Get(0)); err != nil {
		return nil, 0, fmt.Errorf("%w: HTML render: %w", utils.ErrParsing, err)
	}
	return buf.Bytes(), n, nil
}

func repointCSS(body []byte, dead map[string]bool, fallback string) ([]byte, int) {
	n := 0
	repoint := func(re func(string) []string) func(string) string {
		return func(match string) string {
			raw, _ := cssReference(re(match))
			if !isDead(dead, raw) {
				return match
			}
			n++
			return strings.Replace(match, raw, fallback, 1)
		}
	}
	css := string(body)
	css = cssImportRe.ReplaceAllStringFunc(css, repoint(cssImportRe.FindStringSubmatch))
	css = cssURLRe.ReplaceAllStringFunc(css, repoint(cssURLRe.FindStringSubmatch))
	if n == 0 {
		return body, 0
	}
	return []byte(css), n
}
