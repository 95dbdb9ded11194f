package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/grovetools/prdflow/errors"
)

const (
	maxPageBytes  = 2 << 20
	scrapeTimeout = 60 * time.Second
	userAgent     = "prdflow/1.0 (+https://github.com/grovetools/prdflow)"
)

var (
	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
)

// Scraper fetches web pages and reduces them to markdown-ish text.
type Scraper struct {
	client *http.Client
}

// NewScraper creates a scraper. A nil client uses a default with a timeout.
func NewScraper(client *http.Client) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: scrapeTimeout}
	}
	return &Scraper{client: client}
}

// Scrape returns the text content of rawURL. Plain text and markdown are
// returned unchanged; HTML is converted.
func (s *Scraper) Scrape(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.InvalidInput("url", "must be an absolute http or https URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeTransport, fmt.Sprintf("failed to fetch %s", rawURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New(errors.ErrCodeNotFound, fmt.Sprintf("No web content found for %s", rawURL)).
			WithDetail("status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/plain") || strings.Contains(contentType, "text/markdown") {
		return strings.TrimSpace(string(body)), nil
	}
	return htmlToText(string(body))
}

// htmlToText converts an HTML document to simplified markdown.
func htmlToText(content string) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	walk(doc, &sb, 0)
	return clean(sb.String()), nil
}

func walk(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 64 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if inPre(n) {
			sb.WriteString(n.Data)
			break
		}
		fields := strings.Fields(n.Data)
		if len(fields) == 0 {
			if n.Data != "" {
				sb.WriteString(" ")
			}
			break
		}
		if strings.TrimLeft(n.Data, " \t\r\n") != n.Data {
			sb.WriteString(" ")
		}
		sb.WriteString(strings.Join(fields, " "))
		if strings.TrimRight(n.Data, " \t\r\n") != n.Data {
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer":
			return
		case "title":
			sb.WriteString("# ")
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level := int(n.Data[1] - '0')
			sb.WriteString("\n\n" + strings.Repeat("#", level) + " ")
		case "p", "div", "section", "article", "table", "tr":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		case "pre":
			sb.WriteString("\n\n```\n")
		case "code":
			if n.Parent == nil || n.Parent.Data != "pre" {
				sb.WriteString("`")
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, sb, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "title", "h1", "h2", "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n")
		case "pre":
			sb.WriteString("\n```\n\n")
		case "code":
			if n.Parent == nil || n.Parent.Data != "pre" {
				sb.WriteString("`")
			}
		}
	}
}

func inPre(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "pre" {
			return true
		}
	}
	return false
}

func clean(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
