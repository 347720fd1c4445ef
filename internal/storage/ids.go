package storage

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const maxPageNameLen = 100

// FileNameForURL derives the on-disk name of an asset: the hex MD5 of the
// source URL plus the URL path's extension, defaulting to .jpg.
func FileNameForURL(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:]) + ExtensionForURL(rawURL)
}

// ExtensionForURL returns the lower-cased extension of the URL path, with
// its dot, or .jpg when the path carries none.
func ExtensionForURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else if idx := strings.IndexAny(p, "?#"); idx >= 0 {
		p = p[:idx]
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || ext == "." || len(ext) > 6 {
		return ".jpg"
	}
	return ext
}

// PageName turns a page URL into a directory name: the path without
// surrounding slashes, inner slashes replaced by underscores, "index" for the
// root, at most 100 characters.
func PageName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := strings.ReplaceAll(strings.Trim(p, "/"), "/", "_")
	if name == "" {
		name = "index"
	}
	if runes := []rune(name); len(runes) > maxPageNameLen {
		name = string(runes[:maxPageNameLen])
	}
	return name
}

var collectionIDPattern = regexp.MustCompile(`(?:^|/)(id-[A-Za-z0-9_-]+)(?:/|\.html?$|$)`)

// CollectionID extracts the "id-…" path segment that identifies a gallery,
// falling back to PageName when the URL has none.
func CollectionID(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if m := collectionIDPattern.FindStringSubmatch(p); m != nil {
		return m[1]
	}
	return PageName(rawURL)
}
