// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package upstream

import (
	"html"
	"regexp"
	"strings"
)

// tagPattern matches anything that looks like an HTML/XML tag.
var tagPattern = regexp.MustCompile(`<[^>]*>`)

// sanitizeString strips markup from provider-supplied text and escapes the
// remainder so a response consumer can never render injected HTML.
func sanitizeString(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "javascript:", "")
	return html.EscapeString(s)
}

// sanitize cleans every string field of the post in place. URLs are only
// escaped when they carry markup; a clean URL passes through unchanged.
func (p *Post) sanitize() {
	p.FileURL = sanitizeURL(p.FileURL)
	p.Source = sanitizeURL(p.Source)
	p.Rating = sanitizeString(p.Rating)
	p.TagStringArtist = sanitizeString(p.TagStringArtist)
	p.TagStringGeneral = sanitizeString(p.TagStringGeneral)
	p.TagStringCopyright = sanitizeString(p.TagStringCopyright)
	p.TagStringCharacter = sanitizeString(p.TagStringCharacter)
}

// sanitizeURL rejects non-http schemes outright and strips markup.
func sanitizeURL(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	lower := strings.ToLower(strings.TrimSpace(s))
	if lower == "" {
		return ""
	}
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return ""
	}
	return s
}
