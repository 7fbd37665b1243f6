// Package web embeds the site's HTML templates.
package web

import (
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.tmpl
var files embed.FS

var funcs = template.FuncMap{
	"date": func(t time.Time) string { return t.Format("2 January 2006") },
	"isoDate": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("2006-01-02")
	},
	"add": func(a, b int) int { return a + b },
}

// Templates parses every embedded template.
func Templates() (*template.Template, error) {
	return template.New("").Funcs(funcs).ParseFS(files, "templates/*.tmpl")
}
