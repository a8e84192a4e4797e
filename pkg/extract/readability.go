// Package extract turns a content URL into a title and a short body.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/gateway/httpclient"
)

const (
	MaxBodyRunes    = 2000
	DefaultTitle    = "Untitled"
	maxDocumentSize = 10 << 20
)

type Readability struct {
	client   *http.Client
	maxRunes int
}

func NewReadability(client *http.Client) *Readability {
	return &Readability{client: client, maxRunes: MaxBodyRunes}
}

// Extract fetches url and returns its main text. A page that cannot be
// fetched (4xx) or has no readable text yields (nil, nil): there is nothing
// to publish and retrying will not change that. Network errors and 5xx
// responses are returned for retry.
func (r *Readability) Extract(ctx context.Context, pageURL string) (*models.Content, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil
	}
	req.Header.Set("User-Agent", "robopost/1.0 (+content pipeline)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		logger.Log.WithFields(map[string]interface{}{
			"url":    pageURL,
			"status": resp.StatusCode,
		}).Warn("page not fetchable")
		return nil, nil
	}
	if err := httpclient.ClassifyStatus(resp, ""); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxDocumentSize), parsed)
	if err != nil {
		logger.Log.WithError(err).WithField("url", pageURL).Warn("readability could not parse page")
		return nil, nil
	}

	body := Summarize(article.TextContent, r.maxRunes)
	if body == "" {
		return nil, nil
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = DefaultTitle
	}

	return &models.Content{Title: title, Body: body}, nil
}

// Summarize collapses whitespace runs inside each paragraph, drops empty
// lines and truncates to max runes.
func Summarize(text string, max int) string {
	var paragraphs []string
	for _, line := range strings.Split(text, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			paragraphs = append(paragraphs, strings.Join(fields, " "))
		}
	}
	out := strings.Join(paragraphs, "\n")

	if max <= 0 || utf8.RuneCountInString(out) <= max {
		return out
	}
	runes := []rune(out)
	return strings.TrimSpace(string(runes[:max]))
}
