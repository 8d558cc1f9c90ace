package authority

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
)

// maxBodyBytes bounds request bodies; a deallocate of MaxBatch ids fits.
const maxBodyBytes = 4 << 20

// Handler serves svc under prefix (a path such as "/v1").
type Handler struct {
	svc     Service
	verbose bool
	mux     *http.ServeMux
}

func NewHandler(svc Service, prefix string, verbose bool) *Handler {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}

	h := &Handler{svc: svc, verbose: verbose, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST "+prefix+"/generate", h.generate)
	h.mux.HandleFunc("POST "+prefix+"/allocate", h.allocate)
	h.mux.HandleFunc("POST "+prefix+"/deallocate", h.deallocate)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Generate(r.Context(), req.Count, req.Lazy); err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, generateResponse{Generated: req.Count})
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	keys, err := h.svc.Allocate(r.Context(), req.Count)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, allocateResponse{Encoders: keys})
}

func (h *Handler) deallocate(w http.ResponseWriter, r *http.Request) {
	var req deallocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Deallocate(r.Context(), req.IDs); err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, deallocateResponse{Deallocated: len(req.IDs)})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad request: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrExhausted):
		code = http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownKey):
		code = http.StatusNotFound
	}
	if h.verbose {
		log.Printf("authority: %v", err)
	}
	h.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (h *Handler) reply(w http.ResponseWriter, v any) {
	h.writeJSON(w, http.StatusOK, v)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && h.verbose {
		log.Printf("authority: write response: %v", err)
	}
}
