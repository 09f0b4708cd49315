package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggonzalez94/dexkit/internal/httpx"
)

func TestBuildEndpointSetDedupesInPreferenceOrder(t *testing.T) {
	set := BuildEndpointSet(
		[]string{"https://Remote.example/rpc/", ""},
		[]string{" https://static.example ", "https://remote.example/rpc"},
		[]string{"https://fallback.example", "https://static.example/"},
	)
	got := set.URLs()
	want := []string{"https://Remote.example/rpc/", "https://static.example", "https://fallback.example"}
	if len(got) != len(want) {
		t.Fatalf("unexpected endpoints %#v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("endpoint %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	got[0] = "mutated"
	if set.URLs()[0] == "mutated" {
		t.Fatal("URLs must return a copy")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList("https://a.example, https://b.example\nhttps://c.example")
	if len(got) != 3 || got[2] != "https://c.example" {
		t.Fatalf("unexpected split %#v", got)
	}
}

func TestFetchRemoteEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rpc_url":"https://one.example","rpc_urls":["https://two.example"]}`))
	}))
	defer srv.Close()

	urls, err := FetchRemoteEndpoints(context.Background(), httpx.New(time.Second, 0), srv.URL)
	if err != nil {
		t.Fatalf("FetchRemoteEndpoints failed: %v", err)
	}
	if len(urls) != 2 || urls[0] != "https://one.example" || urls[1] != "https://two.example" {
		t.Fatalf("unexpected urls %#v", urls)
	}

	none, err := FetchRemoteEndpoints(context.Background(), httpx.New(time.Second, 0), "")
	if err != nil || none != nil {
		t.Fatalf("expected no-op for empty url, got %#v, %v", none, err)
	}
}
