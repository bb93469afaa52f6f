// Package extract derives crawl records from catalog pages using goquery selections.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// DefaultCodePattern matches product links and captures the numeric code.
const DefaultCodePattern = `/product/(\d+)/`

// Config controls link matching and blacklists.
type Config struct {
	CodePattern         string
	BodySelector        string
	BlacklistCodes      []string
	BlacklistExtensions []string
}

// Extractor applies selectors and blacklists to parsed documents.
type Extractor struct {
	codeRe       *regexp.Regexp
	bodySelector string
	codes        map[string]struct{}
	extensions   map[string]struct{}
}

// New compiles the code pattern and indexes the blacklists.
func New(cfg Config) (*Extractor, error) {
	pattern := cfg.CodePattern
	if pattern == "" {
		pattern = DefaultCodePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile code pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("code pattern %q must capture the code", pattern)
	}
	bodySelector := cfg.BodySelector
	if bodySelector == "" {
		bodySelector = "body"
	}

	e := &Extractor{
		codeRe:       re,
		bodySelector: bodySelector,
		codes:        make(map[string]struct{}, len(cfg.BlacklistCodes)),
		extensions:   make(map[string]struct{}, len(cfg.BlacklistExtensions)),
	}
	for _, code := range cfg.BlacklistCodes {
		e.codes[strings.TrimSpace(code)] = struct{}{}
	}
	for _, ext := range cfg.BlacklistExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		e.extensions[ext] = struct{}{}
	}
	return e, nil
}

// Parse builds a document from a fetched body.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ExtractCodes returns product code links in document order. Duplicates are kept.
func (e *Extractor) ExtractCodes(doc *goquery.Document, selector string) []crawler.CodeLink {
	var out []crawler.CodeLink
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		match := e.codeRe.FindStringSubmatch(href)
		if match == nil {
			return
		}
		code := match[1]
		if _, blocked := e.codes[code]; blocked {
			return
		}
		out = append(out, crawler.CodeLink{Code: code, URL: href})
	})
	return out
}

// ExtractNames returns links with both an href and visible text, tagged with code.
func (e *Extractor) ExtractNames(doc *goquery.Document, selector, code string) []crawler.NameLink {
	var out []crawler.NameLink
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		title := strings.TrimSpace(s.Text())
		if href == "" || title == "" {
			return
		}
		out = append(out, crawler.NameLink{Title: title, URL: href, Code: code})
	})
	return out
}

// ExtractBody serializes the main content region, including its own tag.
func (e *Extractor) ExtractBody(doc *goquery.Document) (string, bool) {
	sel := doc.Find(e.bodySelector).First()
	if sel.Length() == 0 {
		return "", false
	}
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", false
	}
	return html, true
}

// ExtractFileLinks returns href (or src) values whose extension is not blacklisted.
func (e *Extractor) ExtractFileLinks(doc *goquery.Document, selector string) []string {
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		link, _ := s.Attr("href")
		if link == "" {
			link, _ = s.Attr("src")
		}
		if link == "" {
			return
		}
		if _, blocked := e.extensions[extension(link)]; blocked {
			return
		}
		out = append(out, link)
	})
	return out
}

func extension(link string) string {
	p := link
	if u, err := url.Parse(link); err == nil {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}
