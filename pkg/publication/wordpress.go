package publication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/gateway/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const wordPressPostsPath = "/wp-json/wp/v2/posts"

// WordPressClient creates posts through the WordPress REST API.
type WordPressClient struct {
	client *http.Client
}

func NewWordPressClient(client *http.Client) *WordPressClient {
	return &WordPressClient{client: client}
}

type wordPressPost struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type wordPressCreated struct {
	ID   int64  `json:"id"`
	Link string `json:"link"`
}

func (c *WordPressClient) CreatePost(ctx context.Context, target WordPressTarget, post Post) (string, error) {
	body, err := json.Marshal(wordPressPost{
		Title:   post.Title,
		Content: RenderWordPress(post),
		Status:  "publish",
	})
	if err != nil {
		return "", faults.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.SiteURL+wordPressPostsPath, bytes.NewReader(body))
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("wordpress request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := c.client
	if target.usesOAuth() {
		cfg := clientcredentials.Config{
			ClientID:     target.ClientID,
			ClientSecret: target.ClientSecret,
			TokenURL:     target.TokenURL,
		}
		client = cfg.Client(context.WithValue(ctx, oauth2.HTTPClient, c.client))
	} else {
		req.SetBasicAuth(target.Username, target.ApplicationPassword)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wordpress: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := httpclient.ClassifyStatus(resp, strings.TrimSpace(string(raw))); err != nil {
		return "", fmt.Errorf("wordpress: %w", err)
	}

	var created wordPressCreated
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == 0 {
		return "", faults.Permanent(fmt.Errorf("wordpress: unexpected response %q", string(raw)))
	}
	return strconv.FormatInt(created.ID, 10), nil
}

// RenderWordPress turns the plain-text body into paragraphs and appends the
// original link.
func RenderWordPress(post Post) string {
	var b strings.Builder
	for _, para := range strings.Split(post.Body, "\n") {
		if para = strings.TrimSpace(para); para != "" {
			fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(para))
		}
	}
	if post.URL != "" {
		fmt.Fprintf(&b, "<p><a href=\"%s\">Original link</a></p>", html.EscapeString(post.URL))
	}
	return b.String()
}
