package site

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"regexp"
	"text/template"

	"github.com/always-cache/precache"
)

//go:embed sw.js.tmpl
var workerScriptSource string

var workerScript = template.Must(template.New("sw.js").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(workerScriptSource))

// renderWorkerScript renders the browser worker for the manifest,
// so that the browser precaches exactly what the server does.
func renderWorkerScript(m precache.Manifest, cleanup precache.CleanupPolicy, skipWaiting bool) ([]byte, error) {
	urls := m.URLs
	if urls == nil {
		urls = []string{}
	}
	var buf bytes.Buffer
	err := workerScript.Execute(&buf, struct {
		CacheName   string
		StalePattern string
		URLs        []string
		DeleteStale bool
		SkipWaiting bool
	}{
		CacheName:   m.CacheName(),
		// buckets of other versions of this app only, not of apps sharing the prefix
		StalePattern: "^" + regexp.QuoteMeta(m.Name) + `-v\d+\.\d+$`,
		URLs:        urls,
		DeleteStale: cleanup == precache.CleanupDeleteStale,
		SkipWaiting: skipWaiting,
	})
	return buf.Bytes(), err
}
