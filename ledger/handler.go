package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ipfs/go-cid"
	trustchain "github.com/trustchain-go/go-trustchain"
)

// Store is a ledger which can report its tip
type Store interface {
	trustchain.Ledger
	Height(ctx context.Context) (int64, error)
}

// Appender is a ledger which accepts new blocks
type Appender interface {
	Append(ctx context.Context, anchors []string, t trustchain.Timestamp) (*trustchain.Block, error)
}

// AppendRequest is the body of POST /blocks
type AppendRequest struct {
	Anchors []string `json:"anchors"`
}

// Handler serves read access to a ledger over HTTP:
//
//	GET /tip                  {"height": n}
//	GET /blocks/{height}      the full block
//	GET /blocks/{height}/hash {"hash": "<cid>"}
//	POST /blocks              anchors CIDs in a new block, timestamped now (only for stores implementing Appender)
type Handler struct {
	store  Store
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	h := &Handler{
		store:  store,
		logger: logger.With("component", "ledger_handler"),
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /tip", h.handleTip)
	h.mux.HandleFunc("GET /blocks/{height}", h.handleBlock)
	h.mux.HandleFunc("GET /blocks/{height}/hash", h.handleHash)
	if appender, ok := store.(Appender); ok {
		h.mux.HandleFunc("POST /blocks", func(w http.ResponseWriter, r *http.Request) {
			h.handleAppend(w, r, appender)
		})
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	Message string `json:"message"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed writing response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, trustchain.ErrBlockNotFound) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Message: err.Error()})
		return
	}
	h.logger.Error("ledger read failed", "err", err)
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "internal error"})
}

func parseHeight(r *http.Request) (int64, bool) {
	height, err := strconv.ParseInt(r.PathValue("height"), 10, 64)
	return height, err == nil && height >= 0
}

func (h *Handler) handleTip(w http.ResponseWriter, r *http.Request) {
	height, err := h.store.Height(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"height": height})
}

func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	height, ok := parseHeight(r)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid height"})
		return
	}
	block, err := h.store.BlockAt(r.Context(), height)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, block)
}

func (h *Handler) handleHash(w http.ResponseWriter, r *http.Request) {
	height, ok := parseHeight(r)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid height"})
		return
	}
	hash, err := h.store.BlockHash(r.Context(), height)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"hash": hash})
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, appender Appender) {
	var req AppendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}
	if len(req.Anchors) == 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "no anchors"})
		return
	}
	for _, a := range req.Anchors {
		if _, err := cid.Decode(a); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Message: fmt.Sprintf("invalid anchor %q: %v", a, err)})
			return
		}
	}

	block, err := appender.Append(r.Context(), req.Anchors, trustchain.Timestamp(time.Now().Unix()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, block)
}
