package portal

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates/*
var templateFiles embed.FS

func templateFS() fs.FS {
	subFS, err := fs.Sub(templateFiles, "templates")
	if err != nil {
		panic("Failed to create templates sub filesystem: " + err.Error())
	}
	return subFS
}

// parseTemplate parses a template from the embedded filesystem
func parseTemplate(name string) (*template.Template, error) {
	content, err := fs.ReadFile(templateFS(), name)
	if err != nil {
		return nil, err
	}
	return template.New(name).Parse(string(content))
}

func mustParseTemplate(name string) *template.Template {
	t, err := parseTemplate(name)
	if err != nil {
		panic("Failed to parse template " + name + ": " + err.Error())
	}
	return t
}
