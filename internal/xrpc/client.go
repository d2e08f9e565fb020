// Package xrpc is the network client: rate-limited HTTP access to the
// social protocol's public read endpoints and the backlink index. Grounded
// on internal/bitcoin/client.go's typed-wrapper-around-a-transport shape
// and its manual net/http JSON calls for endpoints the RPC library doesn't
// cover.
package xrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/charcoalwatch/charcoal/internal/ratelimit"
	"github.com/charcoalwatch/charcoal/internal/textutil"
	"github.com/charcoalwatch/charcoal/pkg/models"
)

const (
	minPostLength  = 15
	batchChunkSize = 25
)

var rateLimitErrorPattern = regexp.MustCompile(`(?i)429|rate ?limit`)

// Client wraps the public read endpoints and the backlink index behind a
// single shared rate limiter and retry policy.
type Client struct {
	publicAPIURL string
	backlinkURL  string
	httpClient   *http.Client
	limiter      *ratelimit.Limiter
	retryConfig  ratelimit.RetryConfig
}

// NewClient constructs a client. M requests per W-second window with
// minimum inter-request delay D, per spec §4.1.
func NewClient(publicAPIURL, backlinkURL string, maxRequests int, window, minDelay time.Duration) *Client {
	return &Client{
		publicAPIURL: strings.TrimRight(publicAPIURL, "/"),
		backlinkURL:  strings.TrimRight(backlinkURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		limiter:      ratelimit.NewLimiter(maxRequests, window, minDelay),
		retryConfig:  ratelimit.DefaultRetryConfig(),
	}
}

// doJSON performs a rate-limited, retried GET against base+path and decodes
// the JSON response into out. Non-2xx responses surface as an error
// including status and body, per spec §4.1's failure semantics.
func (c *Client) doJSON(ctx context.Context, base, path string, query url.Values, out any) error {
	return ratelimit.Retry(ctx, c.retryConfig, c.isRetryable, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		fullURL := base + path
		if len(query) > 0 {
			fullURL += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("build request for %s: %w", path, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request %s: %w", path, err)
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("read response body for %s: %w", path, readErr)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(body))
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode response for %s: %w", path, err)
			}
		}
		return nil
	})
}

func (c *Client) isRetryable(err error) bool {
	return rateLimitErrorPattern.MatchString(err.Error())
}

type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolveHandle resolves a handle to its stable identifier (a DID).
func (c *Client) ResolveHandle(ctx context.Context, handle string) (models.Identifier, error) {
	var result struct {
		DID string `json:"did"`
	}
	q := url.Values{"handle": {handle}}
	if err := c.doJSON(ctx, c.publicAPIURL, "/xrpc/com.atproto.identity.resolveHandle", q, &result); err != nil {
		return "", fmt.Errorf("resolve_handle(%s): %w", handle, err)
	}
	return models.Identifier(result.DID), nil
}

// ResolveEndpoint fetches the DID document and returns its
// #atproto_pds service endpoint. Absence of that service is a hard error.
func (c *Client) ResolveEndpoint(ctx context.Context, id models.Identifier) (string, error) {
	var doc didDocument
	plcURL := "https://plc.directory"
	if err := c.doJSON(ctx, plcURL, "/"+string(id), nil, &doc); err != nil {
		return "", fmt.Errorf("resolve_endpoint(%s): %w", id, err)
	}
	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("resolve_endpoint(%s): no #atproto_pds service in DID document", id)
}

type feedResponse struct {
	Cursor string `json:"cursor"`
	Feed   []struct {
		Post struct {
			URI    string `json:"uri"`
			Record struct {
				Text      string `json:"text"`
				CreatedAt string `json:"createdAt"`
			} `json:"record"`
			LikeCount   int `json:"likeCount"`
			RepostCount int `json:"repostCount"`
			QuoteCount  int `json:"quoteCount"`
			Embed       *struct {
				Type string `json:"$type"`
			} `json:"embed"`
		} `json:"post"`
		Reason *struct {
			Type string `json:"$type"`
		} `json:"reason"`
	} `json:"feed"`
}

// FetchRecentPosts pages through an author's feed (posts_no_replies filter)
// up to max posts, filtering out reposts-by-others and posts shorter than
// 15 Unicode scalar values after trimming.
func (c *Client) FetchRecentPosts(ctx context.Context, handle string, max int) ([]models.Post, error) {
	var posts []models.Post
	cursor := ""
	for len(posts) < max {
		q := url.Values{
			"actor":  {handle},
			"filter": {"posts_no_replies"},
			"limit":  {"100"},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page feedResponse
		if err := c.doJSON(ctx, c.publicAPIURL, "/xrpc/app.bsky.feed.getAuthorFeed", q, &page); err != nil {
			return nil, fmt.Errorf("fetch_recent_posts(%s): %w", handle, err)
		}

		for _, item := range page.Feed {
			if item.Reason != nil {
				continue // repost of someone else's content; only original posts survive
			}
			text := strings.TrimSpace(item.Post.Record.Text)
			if textutil.ScalarLen(text) < minPostLength {
				continue
			}
			createdAt, _ := time.Parse(time.RFC3339, item.Post.Record.CreatedAt)
			posts = append(posts, models.Post{
				URI:         item.Post.URI,
				Text:        text,
				CreatedAt:   createdAt,
				LikeCount:   item.Post.LikeCount,
				RepostCount: item.Post.RepostCount,
				QuoteCount:  item.Post.QuoteCount,
				IsQuote:     item.Post.Embed != nil && item.Post.Embed.Type == "app.bsky.embed.record",
			})
			if len(posts) >= max {
				break
			}
		}

		if page.Cursor == "" || len(page.Feed) == 0 {
			break
		}
		cursor = page.Cursor
	}
	return posts, nil
}

// FetchPostText fetches a single post's text by URI, returning ("", nil)
// when the post doesn't exist or was deleted.
func (c *Client) FetchPostText(ctx context.Context, uri string) (string, error) {
	var result struct {
		Posts []struct {
			Record struct {
				Text string `json:"text"`
			} `json:"record"`
		} `json:"posts"`
	}
	q := url.Values{"uris": {uri}}
	if err := c.doJSON(ctx, c.publicAPIURL, "/xrpc/app.bsky.feed.getPosts", q, &result); err != nil {
		return "", fmt.Errorf("fetch_post_text(%s): %w", uri, err)
	}
	if len(result.Posts) == 0 {
		return "", nil
	}
	return result.Posts[0].Record.Text, nil
}

// FetchReplyRatio samples the author's feed without the posts_no_replies
// filter to count replies vs. total posts.
func (c *Client) FetchReplyRatio(ctx context.Context, handle string) (replies, total int, err error) {
	var page struct {
		Feed []struct {
			Post struct {
				Record struct {
					Reply *json.RawMessage `json:"reply"`
				} `json:"record"`
			} `json:"post"`
		} `json:"feed"`
	}
	q := url.Values{"actor": {handle}, "filter": {"posts_and_author_threads"}, "limit": {"100"}}
	if err := c.doJSON(ctx, c.publicAPIURL, "/xrpc/app.bsky.feed.getAuthorFeed", q, &page); err != nil {
		return 0, 0, fmt.Errorf("fetch_reply_ratio(%s): %w", handle, err)
	}
	total = len(page.Feed)
	for _, item := range page.Feed {
		if item.Post.Record.Reply != nil {
			replies++
		}
	}
	return replies, total, nil
}

type followersResponse struct {
	Cursor    string `json:"cursor"`
	Followers []struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"followers"`
}

// FetchFollowers pages through an account's followers up to max.
func (c *Client) FetchFollowers(ctx context.Context, handle string, max int) ([]models.Follower, error) {
	var followers []models.Follower
	cursor := ""
	for len(followers) < max {
		q := url.Values{"actor": {handle}, "limit": {"100"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page followersResponse
		if err := c.doJSON(ctx, c.publicAPIURL, "/xrpc/app.bsky.graph.getFollowers", q, &page); err != nil {
			return nil, fmt.Errorf("fetch_followers(%s): %w", handle, err)
		}
		for _, f := range page.Followers {
			followers = append(followers, models.Follower{Identifier: models.Identifier(f.DID), Handle: f.Handle})
			if len(followers) >= max {
				break
			}
		}
		if page.Cursor == "" || len(page.Followers) == 0 {
			break
		}
		cursor = page.Cursor
	}
	return followers, nil
}

type profilesResponse struct {
	Profiles []struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"profiles"`
}

// ResolveIdentifiersToHandles batch-resolves identifiers to handles,
// chunking at 25 per request. On failure for a chunk, falls back to the
// raw identifier for every member of that chunk rather than failing the
// whole call.
func (c *Client) ResolveIdentifiersToHandles(ctx context.Context, ids []models.Identifier) map[models.Identifier]string {
	result := make(map[models.Identifier]string, len(ids))
	for start := 0; start < len(ids); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		q := url.Values{}
		for _, id := range chunk {
			q.Add("actors", string(id))
		}

		var resp profilesResponse
		if err := c.doJSON(ctx, c.publicAPIURL, "/xrpc/app.bsky.actor.getProfiles", q, &resp); err != nil {
			for _, id := range chunk {
				result[id] = string(id)
			}
			continue
		}

		byDID := make(map[string]string, len(resp.Profiles))
		for _, p := range resp.Profiles {
			byDID[p.DID] = p.Handle
		}
		for _, id := range chunk {
			if handle, ok := byDID[string(id)]; ok {
				result[id] = handle
			} else {
				result[id] = string(id)
			}
		}
	}
	return result
}

// GetBacklinks queries the backlink index for records referencing
// subjectURI via sourceSpec (e.g. "app.bsky.feed.post:embed.record.uri").
func (c *Client) GetBacklinks(ctx context.Context, subjectURI, sourceSpec string, limit int) (models.BacklinksPage, error) {
	var page models.BacklinksPage
	var raw struct {
		Links []struct {
			URI        string `json:"did"`
			Collection string `json:"collection"`
			RKey       string `json:"rkey"`
		} `json:"linking_records"`
		Cursor string `json:"cursor"`
	}
	q := url.Values{
		"subject": {subjectURI},
		"source":  {sourceSpec},
		"limit":   {fmt.Sprintf("%d", limit)},
	}
	if err := c.doJSON(ctx, c.backlinkURL, "/xrpc/com.constellation.getBacklinks", q, &raw); err != nil {
		return page, fmt.Errorf("get_backlinks(%s,%s): %w", subjectURI, sourceSpec, err)
	}
	for _, l := range raw.Links {
		page.Links = append(page.Links, models.Backlink{
			SourceURI:  fmt.Sprintf("at://%s/%s/%s", l.URI, l.Collection, l.RKey),
			AuthorDID:  l.URI,
			Collection: l.Collection,
		})
	}
	page.Cursor = raw.Cursor
	return page, nil
}

// ResolveBlockList fetches list-records for a moderation list, used only by
// the validate CLI subcommand for offline block-list introspection; a
// read-only supplement noted in SPEC_FULL.md from original_source/.
func (c *Client) ResolveBlockList(ctx context.Context, listURI string) ([]models.Identifier, error) {
	var result struct {
		Records []struct {
			Value struct {
				Subject string `json:"subject"`
			} `json:"value"`
		} `json:"records"`
	}
	q := url.Values{"list": {listURI}, "limit": {"100"}}
	if err := c.doJSON(ctx, c.publicAPIURL, "/xrpc/app.bsky.graph.getList", q, &result); err != nil {
		return nil, fmt.Errorf("resolve_block_list(%s): %w", listURI, err)
	}
	ids := make([]models.Identifier, 0, len(result.Records))
	for _, r := range result.Records {
		ids = append(ids, models.Identifier(r.Value.Subject))
	}
	return ids, nil
}
