package extractor

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"imgcrawler/internal/config"
	"imgcrawler/internal/storage"
	"imgcrawler/pkg/types"
)

// ImageRef is an image found on a gallery page together with the page that
// shows it at full size, when the thumbnail links to one.
type ImageRef struct {
	URL     string
	ShowURL string
}

// CollectionLink is a gallery discovered on a listing page.
type CollectionLink struct {
	URL   string
	ID    string
	Title string
}

// Document is a parsed page plus the URL its relative links resolve against.
type Document struct {
	doc  *goquery.Document
	base *url.URL
}

// HTMLExtractor pulls image URLs, crawlable links, and gallery structure out
// of rendered HTML using CSS selectors.
type HTMLExtractor struct {
	host      string
	formats   []string
	selectors config.SelectorConfig
}

// New builds an extractor. Links are restricted to the host of startURL and
// images to URLs whose path ends in one of formats.
func New(startURL string, formats []string, selectors config.SelectorConfig) (*HTMLExtractor, error) {
	u, err := url.Parse(startURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("extractor start url %q: invalid", startURL)
	}
	fs := make([]string, 0, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
		if f != "" {
			fs = append(fs, "."+f)
		}
	}
	return &HTMLExtractor{
		host:      strings.ToLower(u.Hostname()),
		formats:   fs,
		selectors: selectors,
	}, nil
}

// Parse reads the page body once so several extractions can share it.
func (x *HTMLExtractor) Parse(page *types.Page) (*Document, error) {
	if page == nil || len(page.Body) == 0 {
		return nil, fmt.Errorf("page body empty")
	}
	base := page.Base()
	if base == nil {
		return nil, fmt.Errorf("page has no URL")
	}
	root, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: goquery.NewDocumentFromNode(root), base: base}, nil
}

// ParseHTML is Parse for raw markup.
func (x *HTMLExtractor) ParseHTML(body []byte, base *url.URL) (*Document, error) {
	return x.Parse(&types.Page{URL: base, Body: body})
}

var lazySrcAttrs = []string{"src", "data-src", "data-original", "data-lazy-src"}

// Images returns every image URL on the page in document order: img sources
// (including lazy-load attributes), picture/srcset candidates, anchors that
// point at image files, and inline background images.
func (x *HTMLExtractor) Images(d *Document) []string {
	var out orderedSet

	d.doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range lazySrcAttrs {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" && !strings.HasPrefix(strings.TrimSpace(v), "data:") {
				x.addImage(&out, d.base, v)
				break
			}
		}
		if srcset, ok := s.Attr("srcset"); ok {
			for _, c := range parseSrcset(srcset) {
				x.addImage(&out, d.base, c)
			}
		}
	})
	d.doc.Find("picture source[srcset]").Each(func(_ int, s *goquery.Selection) {
		srcset, _ := s.Attr("srcset")
		for _, c := range parseSrcset(srcset) {
			x.addImage(&out, d.base, c)
		}
	})
	d.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		x.addImage(&out, d.base, href)
	})
	d.doc.Find("[style*='background']").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		for _, u := range backgroundURLs(style) {
			x.addImage(&out, d.base, u)
		}
	})
	return out.items
}

// ImageRefs returns the gallery images of a detail page. A thumbnail wrapped
// in an anchor to a non-image page gets that page as its ShowURL.
func (x *HTMLExtractor) ImageRefs(d *Document) []ImageRef {
	var refs []ImageRef
	index := make(map[string]int)
	add := func(raw, show string) {
		u, ok := x.imageURL(d.base, raw)
		if !ok {
			return
		}
		if i, seen := index[u]; seen {
			if refs[i].ShowURL == "" {
				refs[i].ShowURL = show
			}
			return
		}
		index[u] = len(refs)
		refs = append(refs, ImageRef{URL: u, ShowURL: show})
	}

	d.doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		show := ""
		if a := s.Closest("a[href]"); a.Length() > 0 {
			href, _ := a.Attr("href")
			if resolved, ok := resolve(d.base, href); ok {
				if _, isImage := x.imageURL(d.base, href); !isImage {
					show = resolved
				}
			}
		}
		for _, attr := range lazySrcAttrs {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" && !strings.HasPrefix(strings.TrimSpace(v), "data:") {
				add(v, show)
				return
			}
		}
	})
	for _, u := range x.Images(d) {
		add(u, "")
	}
	return refs
}

// ShowPageImages returns the full-size candidates of a single-image page:
// anchors to image files first, then embedded images.
func (x *HTMLExtractor) ShowPageImages(d *Document) []string {
	var out orderedSet
	d.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		x.addImage(&out, d.base, href)
	})
	for _, u := range x.Images(d) {
		out.add(u)
	}
	return out.items
}

// Links returns same-host page links normalised to scheme://host/path.
func (x *HTMLExtractor) Links(d *Document) []string {
	var out orderedSet
	d.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "#") {
			return
		}
		u, err := d.base.Parse(href)
		if err != nil {
			return
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return
		}
		if !strings.EqualFold(u.Hostname(), x.host) {
			return
		}
		out.add(scheme + "://" + u.Host + u.EscapedPath())
	})
	return out.items
}

// Collections returns gallery links from a listing page, de-duplicated by id.
func (x *HTMLExtractor) Collections(d *Document) []CollectionLink {
	sel := strings.TrimSpace(x.selectors.Collection)
	if sel == "" {
		return nil
	}
	var out []CollectionLink
	seen := make(map[string]int)
	d.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, ok := resolve(d.base, href)
		if !ok {
			return
		}
		id := storage.CollectionID(resolved)
		title := collapseSpace(firstNonEmpty(
			attr(s, "title"),
			s.Text(),
			attr(s.Find("img").First(), "alt"),
		))
		if i, dup := seen[id]; dup {
			if out[i].Title == "" {
				out[i].Title = title
			}
			return
		}
		seen[id] = len(out)
		out = append(out, CollectionLink{URL: resolved, ID: id, Title: title})
	})
	return out
}

// Title returns the gallery title, falling back to the document title.
func (x *HTMLExtractor) Title(d *Document) string {
	if sel := strings.TrimSpace(x.selectors.Title); sel != "" {
		if t := collapseSpace(d.doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return collapseSpace(d.doc.Find("title").First().Text())
}

// HasNextPage reports whether the pager offers a page after current. A
// missing pager or a disabled "next" control means the gallery ends here.
func (x *HTMLExtractor) HasNextPage(d *Document, current int) bool {
	if sel := strings.TrimSpace(x.selectors.NextPage); sel != "" {
		next := d.doc.Find(sel).First()
		if next.Length() > 0 {
			return !x.disabled(next)
		}
	}
	pager := x.pager(d)
	if pager == nil {
		return false
	}
	want := strconv.Itoa(current + 1)
	found := false
	pager.Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) == want && !x.disabled(s) {
			found = true
			return false
		}
		return true
	})
	return found
}

// TotalPages returns the highest page number shown in the pager, or 0.
func (x *HTMLExtractor) TotalPages(d *Document) int {
	pager := x.pager(d)
	if pager == nil {
		return 0
	}
	max := 0
	pager.Find("a, span, li").Each(func(_ int, s *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(s.Text())); err == nil && n > max {
			max = n
		}
	})
	return max
}

func (x *HTMLExtractor) pager(d *Document) *goquery.Selection {
	sel := strings.TrimSpace(x.selectors.Pager)
	if sel == "" {
		return nil
	}
	p := d.doc.Find(sel).First()
	if p.Length() == 0 {
		return nil
	}
	return p
}

func (x *HTMLExtractor) disabled(s *goquery.Selection) bool {
	cls := strings.TrimSpace(x.selectors.DisabledClass)
	if v, ok := s.Attr("aria-disabled"); ok && v == "true" {
		return true
	}
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if cls == "" {
		return false
	}
	return s.HasClass(cls) || s.Parent().HasClass(cls)
}

func (x *HTMLExtractor) addImage(out *orderedSet, base *url.URL, raw string) {
	if u, ok := x.imageURL(base, raw); ok {
		out.add(u)
	}
}

func (x *HTMLExtractor) imageURL(base *url.URL, raw string) (string, bool) {
	resolved, ok := resolve(base, raw)
	if !ok {
		return "", false
	}
	if !x.isImagePath(resolved) {
		return "", false
	}
	return resolved, true
}

func (x *HTMLExtractor) isImagePath(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	for _, f := range x.formats {
		if ext == f {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "data:") {
		return "", false
	}
	u, err := base.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

func parseSrcset(srcset string) []string {
	var out []string
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(part)
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

var backgroundURL = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)

// backgroundURLs reads url() references from a style value. Attribute values
// arrive entity-decoded from the parser.
func backgroundURLs(style string) []string {
	var out []string
	for _, m := range backgroundURL.FindAllStringSubmatch(style, -1) {
		out = append(out, strings.TrimSpace(m[2]))
	}
	return out
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type orderedSet struct {
	items []string
	seen  map[string]struct{}
}

func (o *orderedSet) add(v string) {
	if o.seen == nil {
		o.seen = make(map[string]struct{})
	}
	if _, ok := o.seen[v]; ok {
		return
	}
	o.seen[v] = struct{}{}
	o.items = append(o.items, v)
}
