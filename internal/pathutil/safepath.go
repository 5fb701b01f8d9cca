package pathutil

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/keithlinneman/builder-publisher/internal/log"
)

// MaxFilenameLen is the longest filename SanitizeFilename returns, in runes
const MaxFilenameLen = 255

var (
	hostileChars  = regexp.MustCompile(`[<>:"/\\|?*]`)
	whitespaceRun = regexp.MustCompile(`\s+`)
	underscoreRun = regexp.MustCompile(`__+`)
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// DecodePath percent-decodes p with path semantics ("+" is kept). A second pass runs when the
// first still leaves a '%', which undoes double encoding like %252F. It never fails: on a
// malformed escape the original input is returned and a warning goes to the context logger.
func DecodePath(ctx context.Context, p string) string {
	if p == "" {
		return p
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to decode path", "path", p, "err", err)
		return p
	}
	if !strings.Contains(decoded, "%") {
		return decoded
	}

	log.FromContext(ctx).Warn(ctx, "path still contains encoded characters after decoding", "path", p)
	again, err := url.PathUnescape(decoded)
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to decode path", "path", p, "err", err)
		return p
	}
	return again
}

// SanitizeFilename makes name safe to use as the last segment of an object key.
// The result never contains < > : " / \ | ? *, is at most MaxFilenameLen runes and is never empty.
func SanitizeFilename(name string) string {
	s := hostileChars.ReplaceAllString(name, "_")
	s = whitespaceRun.ReplaceAllString(s, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")

	if utf8.RuneCountInString(s) > MaxFilenameLen {
		s = string([]rune(s)[:MaxFilenameLen])
	}
	if s == "" {
		return "index"
	}
	return s
}
