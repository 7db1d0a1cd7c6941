// Package markdown finds and rewrites image references in Markdown content.
package markdown

import (
	"regexp"
	"strings"
)

// imagePattern captures the URL of ![alt](url) references. Titles after the
// URL (separated by whitespace) are excluded from the capture.
var imagePattern = regexp.MustCompile(`!\[[^\]]*\]\(([^\s\)]+)[^\)]*\)`)

// ExtractImageURLs returns the distinct image URLs referenced by content, in
// first-appearance order. Inline data URIs are skipped; they carry their own
// bytes and need no re-hosting.
func ExtractImageURLs(content string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range imagePattern.FindAllStringSubmatch(content, -1) {
		u := m[1]
		if u == "" || strings.HasPrefix(u, "data:") {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// RewriteImageURLs replaces image reference URLs according to mapping.
// URLs absent from the mapping are left untouched, so a partially failed
// re-hosting pass still produces valid Markdown. Rewriting is idempotent:
// applying the same mapping twice changes nothing.
func RewriteImageURLs(content string, mapping map[string]string) string {
	if len(mapping) == 0 {
		return content
	}
	return imagePattern.ReplaceAllStringFunc(content, func(ref string) string {
		m := imagePattern.FindStringSubmatch(ref)
		if m == nil {
			return ref
		}
		replacement, ok := mapping[m[1]]
		if !ok || replacement == "" {
			return ref
		}
		return strings.Replace(ref, m[1], replacement, 1)
	})
}
