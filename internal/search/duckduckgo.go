// ABOUTME: DuckDuckGo HTML backend for the PC parts search tool
// ABOUTME: Fetches the no-JS results page and extracts title, snippet and target URL

package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// DefaultDuckDuckGoEndpoint is the JavaScript-free results page.
const DefaultDuckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// ErrUnexpectedStatus is returned when the search page answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected status from search backend")

// DuckDuckGo queries DuckDuckGo's HTML endpoint.
type DuckDuckGo struct {
	Endpoint   string
	Region     string // e.g. "us-en"
	SafeSearch string // "on", "moderate" or "off"
	UserAgent  string
	HTTPClient *http.Client
}

// NewDuckDuckGo returns a backend with the defaults used in production.
func NewDuckDuckGo(region string) *DuckDuckGo {
	if region == "" {
		region = "us-en"
	}
	return &DuckDuckGo{
		Endpoint:   DefaultDuckDuckGoEndpoint,
		Region:     region,
		SafeSearch: "moderate",
		UserAgent:  "Mozilla/5.0 (compatible; rig-gateway/1.0)",
		HTTPClient: &http.Client{},
	}
}

// Search fetches up to max results for query.
func (d *DuckDuckGo) Search(ctx context.Context, query string, max int) ([]Result, error) {
	form := url.Values{}
	form.Set("q", query)
	form.Set("kl", d.Region)
	switch d.SafeSearch {
	case "on":
		form.Set("kp", "1")
	case "off":
		form.Set("kp", "-2")
	default:
		form.Set("kp", "-1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	results, err := parseResults(resp.Body, max)
	if err != nil {
		return nil, fmt.Errorf("parsing results: %w", err)
	}
	return results, nil
}

// parseResults walks the results page. Each organic hit is a div with class
// "result" holding an a.result__a (title + redirect link) and a
// .result__snippet element.
func parseResults(r io.Reader, max int) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var results []Result
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if max > 0 && len(results) >= max {
			return false
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") && !hasClass(n, "result--ad") {
			if res, ok := extractResult(n); ok {
				results = append(results, res)
			}
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(doc)

	return results, nil
}

func extractResult(n *html.Node) (Result, bool) {
	var res Result
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a"):
				res.Title = textContent(n)
				res.URL = resolveRedirect(attr(n, "href"))
				return
			case hasClass(n, "result__snippet"):
				res.Body = textContent(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)

	if res.Title == "" || res.URL == "" {
		return Result{}, false
	}
	if res.Body == "" {
		res.Body = "No description"
	}
	return res, true
}

// resolveRedirect unwraps DuckDuckGo's //duckduckgo.com/l/?uddg=<target> links.
func resolveRedirect(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
