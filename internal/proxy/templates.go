package proxy

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Template names looked up in the template directory.
const (
	TemplateHTTPServer = "nginx-http-server"
	TemplateSSLServer  = "nginx-ssl-server"
	TemplateLocation   = "nginx-location-block"
)

//go:embed templates/*
var templateFS embed.FS

// loadTemplate reads name from dir, falling back to the embedded default when the file is absent.
func loadTemplate(dir, name string) (string, error) {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("reading template %s: %w", name, err)
		}
	}
	data, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("no template %s: %w", name, err)
	}
	return string(data), nil
}

// substitute replaces every <placeholder> key with its value. Keys are applied
// longest first so no placeholder is a prefix match of another.
func substitute(tmpl string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "<"+k+">", values[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
