package admin

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"netlease/pkg/wire"
	"netlease/services/dhcpd/internal/dhcp"
)

// leaseStore is the subset of the pool the admin API needs.
type leaseStore interface {
	Leases() []dhcp.Lease
	Lookup(hw net.HardwareAddr) (dhcp.Lease, bool)
	Release(hw net.HardwareAddr) (dhcp.Lease, bool)
}

type leaseResponse struct {
	ID         string    `json:"id"`
	HWAddr     string    `json:"hw_addr"`
	ClientID   string    `json:"client_id"`
	Address    string    `json:"address"`
	Hostname   string    `json:"hostname"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Routes builds the lease inspection API.
func Routes(store leaseStore) (http.Handler, error) {
	if store == nil {
		return nil, errors.New("nil lease store")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Route("/v1/leases", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			leases := store.Leases()
			out := make([]leaseResponse, 0, len(leases))
			for _, l := range leases {
				out = append(out, toResponse(l))
			}
			respondJSON(w, http.StatusOK, out)
		})
		r.Get("/{hwAddr}", func(w http.ResponseWriter, r *http.Request) {
			hw, err := net.ParseMAC(strings.TrimSpace(chi.URLParam(r, "hwAddr")))
			if err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			l, ok := store.Lookup(hw)
			if !ok {
				respondError(w, http.StatusNotFound, errors.New("lease not found"))
				return
			}
			respondJSON(w, http.StatusOK, toResponse(l))
		})
		r.Delete("/{hwAddr}", func(w http.ResponseWriter, r *http.Request) {
			hw, err := net.ParseMAC(strings.TrimSpace(chi.URLParam(r, "hwAddr")))
			if err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			if _, ok := store.Release(hw); !ok {
				respondError(w, http.StatusNotFound, errors.New("lease not found"))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r, nil
}

func toResponse(l dhcp.Lease) leaseResponse {
	return leaseResponse{
		ID:         l.ID.String(),
		HWAddr:     l.HWAddr.String(),
		ClientID:   l.ClientID,
		Address:    l.IP.String(),
		Hostname:   wire.LeaseHostname(l.ClientID),
		AssignedAt: l.AssignedAt,
		ExpiresAt:  l.ExpiresAt,
	}
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
