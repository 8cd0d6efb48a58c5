package listing

import (
	"errors"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ParseIndex maps raw directory-index markup to its child entries. Anchor
// hrefs ending in "/" denote subdirectories, everything else files.
// Query-string links, absolute links and the parent-directory link are
// not children and are dropped, as are duplicates.
func ParseIndex(r io.Reader) ([]Entry, error) {
	z := html.NewTokenizer(r)
	seen := make(map[string]bool)
	var entries []Entry

	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return entries, nil
			}
			return nil, z.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					if e, ok := entryFromHref(string(val)); ok && !seen[e.Name] {
						seen[e.Name] = true
						entries = append(entries, e)
					}
				}
				if !more {
					break
				}
			}
		}
	}
}

func entryFromHref(href string) (Entry, bool) {
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "/") {
		return Entry{}, false
	}
	// Full URLs point outside this directory.
	if strings.Contains(href, "://") {
		return Entry{}, false
	}

	isDir := strings.HasSuffix(href, "/")
	name := strings.TrimSuffix(href, "/")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	if name == "" || name == "." || name == ".." {
		return Entry{}, false
	}
	// Multi-segment hrefs are not direct children.
	if strings.Contains(name, "/") {
		return Entry{}, false
	}

	return Entry{Name: name, IsDir: isDir}, true
}
