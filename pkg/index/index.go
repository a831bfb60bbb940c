// Package index renders the landing page and the fallback page of a mirror
package index

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"ssb-archive/pkg/utils"
)

// Entry is one mirrored identity on the landing page
type Entry struct {
	Identity  string
	PublicURL string
	Title     string
}

// Page is the data rendered into both templates
type Page struct {
	Origin      string
	GeneratedAt time.Time
	Entries     []Entry
	IndexURL    string
}

// FileWriter is satisfied by output.Writer
type FileWriter interface {
	Write(localPath string, data []byte) error
}

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Archive of {{.Origin}}</title>
</head>
<body>
<main>
<h1>Archive</h1>
<p>Mirrored from {{.Origin}} on {{.GeneratedAt.Format "2006-01-02 15:04 MST"}}.</p>
<ul>
{{- range .Entries}}
<li><a href="{{.PublicURL}}">{{if .Title}}{{.Title}}{{else}}{{.Identity}}{{end}}</a> <code>{{.Identity}}</code></li>
{{- end}}
</ul>
</main>
</body>
</html>
`))

var fallbackTmpl = template.Must(template.New("fallback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Not archived</title>
</head>
<body>
<main>
<h1>Not archived</h1>
<p>This page was not included in the archive of {{.Origin}}.</p>
<p><a href="{{.IndexURL}}">Back to the archive</a></p>
</main>
</body>
</html>
`))

// FallbackLocalPath is the file served for the fallback route ("/404" -> "404.html")
func FallbackLocalPath(route string) string {
	name := strings.Trim(route, "/")
	if name == "" {
		name = "404"
	}
	if !strings.HasSuffix(name, ".html") {
		name += ".html"
	}
	return name
}

// Write renders index.html and the fallback page into w
func Write(w FileWriter, page Page, fallbackRoute string) error {
	if page.IndexURL == "" {
		page.IndexURL = "/index.html"
	}
	files := []struct {
		path string
		tmpl *template.Template
	}{
		{"index.html", indexTmpl},
		{FallbackLocalPath(fallbackRoute), fallbackTmpl},
	}
	for _, f := range files {
		var buf bytes.Buffer
		if err := f.tmpl.Execute(&buf, page); err != nil {
			return fmt.Errorf("%w: rendering %s: %w", utils.ErrParsing, f.path, err)
		}
		if err := w.Write(f.path, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
