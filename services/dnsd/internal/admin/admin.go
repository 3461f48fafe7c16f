package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/miekg/dns"

	"netlease/services/dnsd/internal/cache"
)

type putRecordRequest struct {
	Address string `json:"address"`
}

// Routes builds the record inspection and mutation API.
func Routes(c *cache.Cache) (http.Handler, error) {
	if c == nil {
		return nil, errors.New("nil cache")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Route("/v1/records", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, c.List())
		})
		r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
			e, ok := c.Lookup(chi.URLParam(r, "name"))
			if !ok {
				respondError(w, http.StatusNotFound, errors.New("record not found"))
				return
			}
			respondJSON(w, http.StatusOK, e)
		})
		r.Put("/{name}", func(w http.ResponseWriter, r *http.Request) {
			name := strings.TrimSpace(chi.URLParam(r, "name"))
			if _, ok := dns.IsDomainName(name); !ok || name == "" {
				respondError(w, http.StatusBadRequest, fmt.Errorf("invalid domain %q", name))
				return
			}
			var req putRecordRequest
			if err := decodeJSON(r, &req); err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			ip := net.ParseIP(strings.TrimSpace(req.Address)).To4()
			if ip == nil {
				respondError(w, http.StatusBadRequest, fmt.Errorf("invalid IPv4 address %q", req.Address))
				return
			}
			respondJSON(w, http.StatusOK, c.Set(name, ip, cache.Static))
		})
		r.Delete("/{name}", func(w http.ResponseWriter, r *http.Request) {
			if !c.Delete(chi.URLParam(r, "name")) {
				respondError(w, http.StatusNotFound, errors.New("record not found"))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r, nil
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
