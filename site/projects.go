package site

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

type Project struct {
	Title string `yaml:"title" json:"title" koanf:"title"`
	// Description in Markdown.
	Description     string   `yaml:"description" json:"description" koanf:"description"`
	DescriptionHTML string   `yaml:"-" json:"descriptionHtml,omitempty" koanf:"-"`
	Category        string   `yaml:"category" json:"category" koanf:"category"`
	URL             string   `yaml:"url" json:"url,omitempty" koanf:"url"`
	Tags            []string `yaml:"tags" json:"tags,omitempty" koanf:"tags"`
}

// raw HTML in descriptions is not rendered
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func renderProjects(projects []Project) ([]Project, error) {
	rendered := make([]Project, len(projects))
	for i, p := range projects {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(p.Description), &buf); err != nil {
			return nil, fmt.Errorf("rendering description of %s: %w", p.Title, err)
		}
		p.DescriptionHTML = buf.String()
		rendered[i] = p
	}
	return rendered, nil
}

// FilterProjects returns the projects in the category.
// An empty filter or `all` returns every project.
func FilterProjects(projects []Project, filter string) []Project {
	filtered := []Project{}
	for _, p := range projects {
		if filter == "" || filter == "all" || p.Category == filter {
			filtered = append(filtered, p)
		}
	}
	return filtered
}
