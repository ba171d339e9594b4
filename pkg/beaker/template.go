// Package beaker drives test runs on a Beaker lab scheduler: it renders and
// submits job XML, polls recipe sets until they reach a terminal state,
// reschedules failed runs onto the same or different hosts, and folds the
// partial results into a single pass/fail verdict.
package beaker

import (
	"fmt"
	"os"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`##(\w+)##`)

// RenderTemplate substitutes ##NAME## placeholders in a job template.
//
// Every placeholder whose NAME appears in subs is replaced everywhere it
// occurs; placeholders without a substitution are left verbatim. Matching is
// case-sensitive and placeholders do not nest.
func RenderTemplate(text string, subs map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(tok string) string {
		name := tok[2 : len(tok)-2]
		if val, ok := subs[name]; ok {
			return val
		}
		return tok
	})
}

// RenderTemplateFile reads a job template from disk and renders it.
func RenderTemplateFile(path string, subs map[string]string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read job template: %w", err)
	}
	return RenderTemplate(string(b), subs), nil
}
