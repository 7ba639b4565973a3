package adapters

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	hook "pricehook/native/hook"
)

func TestRegistryBuildUnknownType(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Build("alpha", "carrier-pigeon", "", ""); err == nil {
		t.Fatal("expected unknown source type to fail")
	}
}

func TestRegistryBuildManual(t *testing.T) {
	registry := NewRegistry()
	client, err := registry.Build("ops", "manual", "", "")
	if err != nil {
		t.Fatalf("build manual: %v", err)
	}
	manual, ok := client.(*hook.ManualFeed)
	if !ok {
		t.Fatalf("expected manual feed, got %T", client)
	}
	if manual.Name() != "ops" {
		t.Fatalf("unexpected name %q", manual.Name())
	}
}

func TestRestClientFetch(t *testing.T) {
	observed := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	var gotAuth, gotSymbol string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSymbol = r.URL.Query().Get("symbol")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"101.25","timestamp":` + "1770724800" + `}`))
	}))
	defer ts.Close()

	client := newRestClient(ts.Client(), "alpha", ts.URL, "token-123")
	reading, err := client.Fetch(context.Background(), "znhb")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotSymbol != "ZNHB" {
		t.Fatalf("unexpected symbol %q", gotSymbol)
	}
	want, _ := new(big.Rat).SetString("101.25")
	if reading.Price.Cmp(want) != 0 {
		t.Fatalf("unexpected price %s", reading.Price.RatString())
	}
	if !reading.ObservedAt.Equal(observed) {
		t.Fatalf("unexpected observed time %s", reading.ObservedAt)
	}
	if reading.Source != "alpha" || reading.Symbol != "ZNHB" {
		t.Fatalf("unexpected reading %+v", reading)
	}
}

func TestRestClientRejectsBadPayload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"price":"not-a-number","timestamp":1770724800}`))
	}))
	defer ts.Close()

	client := newRestClient(ts.Client(), "alpha", ts.URL, "")
	if _, err := client.Fetch(context.Background(), "ZNHB"); err == nil {
		t.Fatal("expected invalid price to fail")
	}
}

func TestRestClientSurfacesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := newRestClient(ts.Client(), "alpha", ts.URL, "")
	if _, err := client.Fetch(context.Background(), "ZNHB"); err == nil {
		t.Fatal("expected non-200 status to fail")
	}
}

func TestFinnhubClientFetch(t *testing.T) {
	var gotToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Finnhub-Token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"c":101.5,"t":1770724800}`))
	}))
	defer ts.Close()

	client := newFinnhubClient(ts.Client(), "finnhub", ts.URL, "fh-key")
	reading, err := client.Fetch(context.Background(), "ZNHB")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotToken != "fh-key" {
		t.Fatalf("unexpected token header %q", gotToken)
	}
	if reading.Price == nil || reading.Price.Sign() <= 0 {
		t.Fatalf("unexpected price %v", reading.Price)
	}
}

func TestFinnhubClientRejectsEmptyQuote(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"c":0,"t":0}`))
	}))
	defer ts.Close()

	client := newFinnhubClient(ts.Client(), "finnhub", ts.URL, "")
	if _, err := client.Fetch(context.Background(), "ZNHB"); err == nil {
		t.Fatal("expected empty quote to fail")
	}
}
