package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpsRouter_Healthz(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestOpsRouter_ReadyzRunsChecksInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	ok := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	h := BuildOpsRouter(ok("workers"), ok("db"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
	if len(order) != 2 || order[0] != "workers" || order[1] != "db" {
		t.Fatalf("check order = %v", order)
	}
}

func TestOpsRouter_ReadyzFailsOnFirstError(t *testing.T) {
	t.Parallel()

	ran := false
	h := BuildOpsRouter(
		func(context.Context) error { return errors.New("no worker registered") },
		func(context.Context) error { ran = true; return nil },
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no worker registered") {
		t.Fatalf("readyz body = %q", rec.Body.String())
	}
	if ran {
		t.Fatal("later checks must not run after a failure")
	}
}

func TestOpsRouter_Metrics(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("metrics body missing runtime collectors")
	}
}
