package main

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/aperturehq/aperture-sync/internal/optimistic"
	"github.com/aperturehq/aperture-sync/internal/remote"
)

type fakeFetcher struct {
	articles []remote.Article
	err      error
	calls    int
}

func (f *fakeFetcher) FetchArticles(ctx context.Context) ([]remote.Article, error) {
	f.calls++
	return f.articles, f.err
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// A pending entity the server now covers is dropped from the cache
// after a reconcile.
func TestReconcileEntitiesDropsCovered(t *testing.T) {
	cache := optimistic.NewCache()
	cache.CreateOptimistic(optimistic.Content{URL: "https://example.com/a", Title: "A"})
	kept := cache.CreateOptimistic(optimistic.Content{URL: "https://example.com/b", Title: "B"})

	fetcher := &fakeFetcher{articles: []remote.Article{
		{ID: "srv-1", URL: "https://example.com/a", Title: "A"},
	}}
	reconcileEntities(context.Background(), fetcher, cache, quietLogger())

	if fetcher.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetcher.calls)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache size = %d, want 1", cache.Len())
	}
	if _, ok := cache.Get(kept); !ok {
		t.Error("uncovered pending entity was dropped")
	}
}

// A failed fetch leaves the cache untouched; reconcile waits for the
// next pass.
func TestReconcileEntitiesFetchError(t *testing.T) {
	cache := optimistic.NewCache()
	cache.CreateOptimistic(optimistic.Content{URL: "https://example.com/a", Title: "A"})

	fetcher := &fakeFetcher{err: errors.New("remote 503")}
	reconcileEntities(context.Background(), fetcher, cache, quietLogger())

	if cache.Len() != 1 {
		t.Errorf("cache size = %d, want 1 after failed fetch", cache.Len())
	}
}

// An empty cache never hits the network.
func TestReconcileEntitiesEmptyCacheSkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	reconcileEntities(context.Background(), fetcher, optimistic.NewCache(), quietLogger())

	if fetcher.calls != 0 {
		t.Errorf("fetch calls = %d, want 0 for empty cache", fetcher.calls)
	}
}
