// Package discourse implements the host's network services (search, draft
// deletion, site directory) against a Discourse forum's JSON API.
package discourse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"composertemplates/pkg/host"
	"composertemplates/pkg/logx"
)

// Client talks to one forum. It satisfies host.Searcher, host.DraftStore and
// host.Directory.
type Client struct {
	baseURL     string
	apiKey      string
	apiUsername string
	logger      *logx.Logger
	client      *http.Client
}

var (
	_ host.Searcher   = (*Client)(nil)
	_ host.DraftStore = (*Client)(nil)
	_ host.Directory  = (*Client)(nil)
)

// NewClient creates a forum client. apiKey and apiUsername may be empty for
// anonymous access.
func NewClient(baseURL, apiKey, apiUsername string) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		apiUsername: apiUsername,
		logger:      logx.NewLogger("discourse-client"),
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request with API authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Api-Key", c.apiKey)
	}
	if c.apiUsername != "" {
		req.Header.Set("Api-Username", c.apiUsername)
	}

	c.logger.Debug("%s %s", method, target)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dest any) (int, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("GET %s failed with status %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// Discourse API response structures.
type searchResponse struct {
	Topics []struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	} `json:"topics"`
	Posts []struct {
		TopicID    int    `json:"topic_id"`
		Username   string `json:"username"`
		PostNumber int    `json:"post_number"`
	} `json:"posts"`
}

type siteResponse struct {
	Categories []host.Category `json:"categories"`
}

type currentSessionResponse struct {
	CurrentUser *host.User `json:"current_user"`
}

// SearchQueryString builds the search term: "tags:a+b", plus " @user" when
// the query is scoped to an author.
func SearchQueryString(q host.SearchQuery) string {
	term := "tags:" + strings.Join(q.Tags, "+")
	if q.Author != "" {
		term += " @" + q.Author
	}
	return term
}

// SearchTopics runs a topic search for the tag set and optional author.
func (c *Client) SearchTopics(ctx context.Context, q host.SearchQuery) ([]host.Topic, error) {
	params := url.Values{}
	params.Set("q", SearchQueryString(q))
	params.Set("type", "topic")

	var resp searchResponse
	if _, err := c.getJSON(ctx, "/search.json", params, &resp); err != nil {
		return nil, err
	}

	posters := make(map[int]string, len(resp.Posts))
	for _, p := range resp.Posts {
		if _, seen := posters[p.TopicID]; !seen || p.PostNumber == 1 {
			posters[p.TopicID] = p.Username
		}
	}

	topics := make([]host.Topic, 0, len(resp.Topics))
	for _, t := range resp.Topics {
		topics = append(topics, host.Topic{ID: t.ID, Title: t.Title, Username: posters[t.ID]})
	}
	return topics, nil
}

// DeleteDraft removes a persisted draft. Unknown keys yield host.ErrDraftNotFound.
func (c *Client) DeleteDraft(ctx context.Context, key string) error {
	path := "/drafts/" + url.PathEscape(key) + ".json"

	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", host.ErrDraftNotFound, key)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("delete draft %s failed with status %d: %s", key, resp.StatusCode, string(body))
	}
	return nil
}

// Categories lists the site's categories.
func (c *Client) Categories(ctx context.Context) ([]host.Category, error) {
	var resp siteResponse
	if _, err := c.getJSON(ctx, "/site.json", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Categories, nil
}

// CurrentUser returns the signed-in user, or nil for anonymous access.
func (c *Client) CurrentUser(ctx context.Context) (*host.User, error) {
	var resp currentSessionResponse
	status, err := c.getJSON(ctx, "/session/current.json", nil, &resp)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.CurrentUser, nil
}
