package xrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

func newTestClient(server *httptest.Server) *Client {
	return NewClient(server.URL, server.URL, 1000, time.Minute, 0)
}

func TestResolveHandleReturnsIdentifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"did": "did:plc:abc123"})
	}))
	defer server.Close()

	client := newTestClient(server)
	id, err := client.ResolveHandle(context.Background(), "someone.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "did:plc:abc123" {
		t.Errorf("expected did:plc:abc123, got %s", id)
	}
}

func TestFetchRecentPostsFiltersRepostsAndShortPosts(t *testing.T) {
	const rawFeed = `{
		"cursor": "",
		"feed": [
			{
				"post": {
					"uri": "at://did:plc:x/app.bsky.feed.post/1",
					"record": {"text": "this is a sufficiently long original post", "createdAt": "2026-01-01T00:00:00Z"},
					"likeCount": 3, "repostCount": 0, "quoteCount": 0
				}
			},
			{
				"post": {
					"uri": "at://did:plc:x/app.bsky.feed.post/2",
					"record": {"text": "too short", "createdAt": "2026-01-01T00:00:00Z"}
				}
			},
			{
				"post": {
					"uri": "at://did:plc:x/app.bsky.feed.post/3",
					"record": {"text": "a repost of someone else's long original content", "createdAt": "2026-01-01T00:00:00Z"}
				},
				"reason": {"$type": "app.bsky.feed.defs#reasonRepost"}
			}
		]
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(rawFeed))
	}))
	defer server.Close()

	client := newTestClient(server)
	posts, err := client.FetchRecentPosts(context.Background(), "someone.example", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected exactly 1 surviving post (others too short or reposts), got %d", len(posts))
	}
	if posts[0].URI != "at://did:plc:x/app.bsky.feed.post/1" {
		t.Errorf("expected the original long post to survive, got %s", posts[0].URI)
	}
}

func TestResolveIdentifiersToHandlesFallsBackOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server)
	ids := []models.Identifier{"did:plc:x"}
	result := client.ResolveIdentifiersToHandles(context.Background(), ids)
	if result[ids[0]] != string(ids[0]) {
		t.Errorf("expected fallback to raw identifier, got %q", result[ids[0]])
	}
}

func TestGetBacklinksBuildsATURIFromParts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"linking_records": []map[string]string{
				{"did": "did:plc:amp1", "collection": "app.bsky.feed.post", "rkey": "abc123"},
			},
			"cursor": "",
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	page, err := client.GetBacklinks(context.Background(), "at://did:plc:protected/app.bsky.feed.post/xyz", "app.bsky.feed.post:embed.record.uri", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Links) != 1 {
		t.Fatalf("expected 1 backlink, got %d", len(page.Links))
	}
	want := "at://did:plc:amp1/app.bsky.feed.post/abc123"
	if page.Links[0].SourceURI != want {
		t.Errorf("expected source URI %s, got %s", want, page.Links[0].SourceURI)
	}
}
