package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/streamforge/ingestd/internal/ingesterr"
	"github.com/streamforge/ingestd/internal/model"
)

func TestFetch_SuccessOnFirstURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,A\nhttp://a.example/a.ts\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(dir)
	src := model.Source{ID: "s1", URLs: []string{srv.URL}}

	res, err := f.Fetch(context.Background(), src, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(res.Lines), res.Lines)
	}

	if _, ok := f.readCache("s1"); !ok {
		t.Error("expected cache file to be written on success")
	}
}

func TestFetch_FailoverToSecondURL(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// simulate connection reset by closing without response body via hijack-less 0-length
	}))
	bad.Close() // closed server: connection refused => NetworkTransient

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,A\nhttp://a.example/a.ts\n"))
	}))
	defer good.Close()

	dir := t.TempDir()
	f := New(dir)
	src := model.Source{ID: "s2", URLs: []string{bad.URL, good.URL}}

	res, err := f.Fetch(context.Background(), src, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(res.Lines))
	}
}

func TestFetch_NonTransientAbortsImmediately(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(dir)
	src := model.Source{ID: "s3", URLs: []string{srv.URL, srv.URL}}

	_, err := f.Fetch(context.Background(), src, false)
	if !ingesterr.Is(err, ingesterr.UpstreamStatus) {
		t.Fatalf("expected UpstreamStatus error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected fetch to abort after first URL's non-transient failure, got %d calls", calls)
	}
}

func TestFetch_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(dir)
	src := model.Source{ID: "s4", URLs: []string{srv.URL}}

	_, err := f.Fetch(context.Background(), src, false)
	if !ingesterr.Is(err, ingesterr.ContentInvalid) {
		t.Fatalf("expected ContentInvalid error, got %v", err)
	}
}

func TestFetch_HTMLDisguisedAsPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>404 not found</body></html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(dir)
	src := model.Source{ID: "s5", URLs: []string{srv.URL}}

	_, err := f.Fetch(context.Background(), src, false)
	if !ingesterr.Is(err, ingesterr.ContentInvalid) {
		t.Fatalf("expected ContentInvalid error, got %v", err)
	}
}

func TestFetch_UsesCacheWhenRequested(t *testing.T) {
	dir := t.TempDir()
	f := New(dir)
	f.writeCache("s6", []string{"#EXTM3U", "#EXTINF:-1,Cached", "http://cached.example/a.ts"})

	// No URLs at all; should still succeed purely from cache.
	src := model.Source{ID: "s6"}
	res, err := f.Fetch(context.Background(), src, true)
	if err != nil {
		t.Fatalf("Fetch from cache: %v", err)
	}
	if len(res.Lines) != 3 || res.Lines[1] != "#EXTINF:-1,Cached" {
		t.Fatalf("unexpected cached lines: %v", res.Lines)
	}
}

func TestFetch_MissingURLsNoCacheFails(t *testing.T) {
	dir := t.TempDir()
	f := New(dir)
	src := model.Source{ID: "s7"}

	_, err := f.Fetch(context.Background(), src, false)
	if !ingesterr.Is(err, ingesterr.MissingRefreshInputs) {
		t.Fatalf("expected MissingRefreshInputs error, got %v", err)
	}
}

func TestIsValidPlaylist(t *testing.T) {
	cases := []struct {
		lines []string
		want  bool
	}{
		{[]string{"#EXTM3U", "#EXTINF:-1,A", "http://x/a.ts"}, true},
		{[]string{"#EXTINF:-1,A", "http://x/a.ts"}, true},
		{[]string{"http://x/a.ts"}, true},
		{[]string{"not a playlist at all"}, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isValidPlaylist(c.lines); got != c.want {
			t.Errorf("isValidPlaylist(%v) = %v, want %v", c.lines, got, c.want)
		}
	}
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := New(dir)
	f.writeCache("src123", []string{"#EXTM3U", "#EXTINF:-1,A", "http://x/a.ts"})

	path := filepath.Join(dir, "src123.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}

	payload, ok := f.readCache("src123")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(payload.ExtinfData) != 3 {
		t.Errorf("got %d cached lines", len(payload.ExtinfData))
	}
}
