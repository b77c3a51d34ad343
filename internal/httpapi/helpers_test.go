package httpapi

import (
	"bytes"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONSetsContentTypeAndStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, 201, map[string]string{"a": "b"})
	if w.Code != 201 {
		t.Fatalf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}
	if w.Body.String() != "{\"a\":\"b\"}\n" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}

func TestReadJSONRejectsTrailingData(t *testing.T) {
	r := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"mode":"backup"}{"mode":"recovery"}`)))
	w := httptest.NewRecorder()
	var req createSessionRequest
	if err := readJSON(w, r, &req); err == nil {
		t.Fatalf("expected an error for trailing JSON data")
	}
}

func TestReadJSONDecodesASingleObject(t *testing.T) {
	r := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"mode":"backup"}`)))
	w := httptest.NewRecorder()
	var req createSessionRequest
	if err := readJSON(w, r, &req); err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if req.Mode != "backup" {
		t.Fatalf("got %q", req.Mode)
	}
}
