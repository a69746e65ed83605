package trigger

import (
	"net/url"
	"regexp"
	"strings"
)

const intersectionPrefix = "/tags/intersection/"

var singleTagPattern = regexp.MustCompile(`/tag/([^/]+)`)

// TagsFromURL extracts the tag set from, in order of precedence, a tag
// intersection path, a single tag path, or a comma-separated tags parameter.
func TagsFromURL(u *url.URL) []string {
	if u == nil {
		return nil
	}
	path := u.EscapedPath()

	if idx := strings.Index(path, intersectionPrefix); idx >= 0 {
		return splitTags(path[idx+len(intersectionPrefix):], "/", true)
	}
	if m := singleTagPattern.FindStringSubmatch(path); m != nil {
		return splitTags(m[1], "/", true)
	}
	if raw := u.Query().Get("tags"); raw != "" {
		return splitTags(raw, ",", false)
	}
	return nil
}

func splitTags(s, sep string, unescape bool) []string {
	parts := strings.Split(s, sep)
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if unescape {
			if decoded, err := url.PathUnescape(p); err == nil {
				p = decoded
			}
		}
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// CategoryParam returns the category query parameter, slug or numeric id.
func CategoryParam(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get("category"))
}

// HasTopicsHint reports the has_topics=true query hint.
func HasTopicsHint(u *url.URL) bool {
	return u != nil && u.Query().Get("has_topics") == "true"
}
