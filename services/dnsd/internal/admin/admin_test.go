package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"netlease/services/dnsd/internal/cache"
)

func TestRecordRoutes(t *testing.T) {
	c := cache.New()
	c.Set("google.com", net.IPv4(8, 8, 8, 8), cache.Static)
	handler, err := Routes(c)
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "list", method: http.MethodGet, path: "/v1/records/", wantStatus: http.StatusOK},
		{name: "get", method: http.MethodGet, path: "/v1/records/google.com", wantStatus: http.StatusOK},
		{name: "get missing", method: http.MethodGet, path: "/v1/records/nope.lan", wantStatus: http.StatusNotFound},
		{name: "put", method: http.MethodPut, path: "/v1/records/nas.lan", body: `{"address":"192.168.1.10"}`, wantStatus: http.StatusOK},
		{name: "put bad address", method: http.MethodPut, path: "/v1/records/nas.lan", body: `{"address":"fe80::1"}`, wantStatus: http.StatusBadRequest},
		{name: "put unknown field", method: http.MethodPut, path: "/v1/records/nas.lan", body: `{"ip":"10.0.0.1"}`, wantStatus: http.StatusBadRequest},
		{name: "delete", method: http.MethodDelete, path: "/v1/records/google.com", wantStatus: http.StatusNoContent},
		{name: "delete missing", method: http.MethodDelete, path: "/v1/records/google.com", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	e, ok := c.Lookup("nas.lan")
	if !ok || !e.Address.Equal(net.IPv4(192, 168, 1, 10)) || e.Provenance != cache.Static {
		t.Fatalf("Lookup(nas.lan) = %+v, %v", e, ok)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/records/", nil))
	var list []cache.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Name != "nas.lan." {
		t.Fatalf("list = %+v", list)
	}
}
