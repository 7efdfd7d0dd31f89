package builtin

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"atp/internal/logging"
)

type webTools struct {
	client       *http.Client
	maxBytes     int64
	agent        string
	allowPrivate bool
	logger       logging.Logger
}

func newWebTools(cfg Config) *webTools {
	return &webTools{
		client: &http.Client{
			Timeout: cfg.FetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		maxBytes:     cfg.MaxContentBytes,
		agent:        cfg.UserAgent,
		allowPrivate: cfg.AllowPrivateHosts,
		logger:       logging.NewComponentLogger("WebTools"),
	}
}

// fetch returns the readable text of a page with scripts and styles
// stripped.
func (w *webTools) fetch(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	doc, finalURL, err := w.load(ctx, url)
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())
	text := collapseWhitespace(doc.Find("body").Text())
	if text == "" {
		text = collapseWhitespace(doc.Text())
	}
	return map[string]any{
		"url":     finalURL,
		"title":   title,
		"content": text,
	}, nil
}

// extract returns the text of every element matching a CSS selector.
func (w *webTools) extract(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	selector, _ := args["selector"].(string)
	doc, finalURL, err := w.load(ctx, url)
	if err != nil {
		return nil, err
	}
	matches := make([]any, 0, 8)
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		matches = append(matches, collapseWhitespace(sel.Text()))
	})
	return map[string]any{
		"url":     finalURL,
		"matches": matches,
	}, nil
}

func (w *webTools) load(ctx context.Context, rawURL string) (*goquery.Document, string, error) {
	parsed, err := neturl.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", fmt.Errorf("invalid url: %q", rawURL)
	}
	if !w.allowPrivate && isPrivateHost(parsed.Hostname()) {
		return nil, "", fmt.Errorf("refusing to fetch private address %q", parsed.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", w.agent)
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, w.maxBytes)
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, "", fmt.Errorf("parse failed: %w", err)
	}
	w.logger.Debug("fetched %s (%d)", parsed.String(), resp.StatusCode)
	return doc, resp.Request.URL.String(), nil
}

// isPrivateHost blocks loopback, link-local and RFC1918 targets. Hostnames
// are checked by literal IP only; DNS rebinding is out of scope here.
func isPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
