// Package extract turns raw page HTML into the structured document the crawl
// pipeline hashes and indexes.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/searchstack/crawler/internal/crawler"
)

// boilerplateSelectors are stripped before content text is collected.
var boilerplateSelectors = []string{
	"script", "style", "noscript", "template",
	"nav", "header", "footer", "aside", "form",
}

var (
	youtubeEmbedRe = regexp.MustCompile(`(?:youtube\.com/(?:embed/|watch\?v=)|youtu\.be/)([A-Za-z0-9_-]{6,})`)
	vimeoEmbedRe   = regexp.MustCompile(`vimeo\.com/(?:video/)?(\d+)`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// publishedLayouts are tried in order when parsing date metadata.
var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Extractor parses HTML with goquery. It is stateless and safe for
// concurrent use.
type Extractor struct {
	// MaxContentLength truncates extracted content text; zero means no cap.
	MaxContentLength int
}

// New builds an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract implements crawler.Extractor.
func (e *Extractor) Extract(html []byte, pageURL string) (crawler.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.Document{}, fmt.Errorf("parse html: %w", err)
	}

	out := crawler.Document{
		Title:       extractTitle(doc),
		Description: extractDescription(doc),
		Headings:    extractHeadings(doc),
		Links:       extractLinks(doc),
		Images:      extractImages(doc, pageURL),
		Videos:      extractVideos(doc, pageURL),
		PublishedAt: extractPublished(doc),
	}

	content := extractContent(doc)
	if e.MaxContentLength > 0 && len(content) > e.MaxContentLength {
		content = content[:e.MaxContentLength]
	}
	out.Content = content
	out.WordCount = len(strings.Fields(content))
	return out, nil
}

func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func extractDescription(doc *goquery.Document) string {
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		if d := strings.TrimSpace(desc); d != "" {
			return d
		}
	}
	if og, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return ""
}

func extractContent(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	if body.Length() == 0 {
		body = doc.Selection
	}
	body.Find(strings.Join(boilerplateSelectors, ", ")).Remove()

	// Prefer a main/article region when one exists; it skips most chrome.
	region := body.Find("main, article").First()
	if region.Length() == 0 {
		region = body
	}
	text := whitespaceRe.ReplaceAllString(region.Text(), " ")
	return strings.TrimSpace(text)
}

func extractHeadings(doc *goquery.Document) []string {
	var headings []string
	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			headings = append(headings, text)
		}
	})
	return headings
}

func extractLinks(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links
}

func extractImages(doc *goquery.Document, pageURL string) []crawler.ImageRef {
	seen := make(map[string]struct{})
	var images []crawler.ImageRef
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		abs := absoluteURL(pageURL, strings.TrimSpace(src))
		if abs == "" || strings.HasPrefix(abs, "data:") {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		alt, _ := s.Attr("alt")
		title, _ := s.Attr("title")
		images = append(images, crawler.ImageRef{
			Src:   abs,
			Alt:   strings.TrimSpace(alt),
			Title: strings.TrimSpace(title),
		})
	})
	return images
}

func extractVideos(doc *goquery.Document, pageURL string) []crawler.VideoRef {
	var videos []crawler.VideoRef

	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		title, _ := s.Attr("title")
		if ref, ok := embedVideoRef(src, strings.TrimSpace(title)); ok {
			videos = append(videos, ref)
		}
	})

	doc.Find("video").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			src, _ = s.Find("source[src]").First().Attr("src")
		}
		abs := absoluteURL(pageURL, strings.TrimSpace(src))
		if abs == "" {
			return
		}
		poster, _ := s.Attr("poster")
		videos = append(videos, crawler.VideoRef{
			VideoURL:     abs,
			ThumbnailURL: absoluteURL(pageURL, strings.TrimSpace(poster)),
			EmbedType:    "html5",
		})
	})

	return videos
}

func embedVideoRef(src, title string) (crawler.VideoRef, bool) {
	if m := youtubeEmbedRe.FindStringSubmatch(src); m != nil {
		id := m[1]
		return crawler.VideoRef{
			VideoURL:     "https://www.youtube.com/watch?v=" + id,
			ThumbnailURL: "https://img.youtube.com/vi/" + id + "/hqdefault.jpg",
			EmbedType:    "youtube",
			VideoID:      id,
			Title:        title,
		}, true
	}
	if m := vimeoEmbedRe.FindStringSubmatch(src); m != nil {
		id := m[1]
		return crawler.VideoRef{
			VideoURL:  "https://vimeo.com/" + id,
			EmbedType: "vimeo",
			VideoID:   id,
			Title:     title,
		}, true
	}
	return crawler.VideoRef{}, false
}

func extractPublished(doc *goquery.Document) *time.Time {
	candidates := []string{
		attrOf(doc, `meta[property="article:published_time"]`, "content"),
		attrOf(doc, `meta[name="date"]`, "content"),
		attrOf(doc, `time[datetime]`, "datetime"),
	}
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, layout := range publishedLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				utc := ts.UTC()
				return &utc
			}
		}
	}
	return nil
}

func attrOf(doc *goquery.Document, selector, attr string) string {
	value, _ := doc.Find(selector).First().Attr(attr)
	return value
}

func absoluteURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(refURL).String()
}
