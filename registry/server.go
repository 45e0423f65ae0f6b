package registry

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

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	trustchain "github.com/trustchain-go/go-trustchain"
	"github.com/trustchain-go/go-trustchain/ledger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// close reason sent on /export/stream when the requested cursor is too far behind
const OutdatedCursorReason = "OutdatedCursor"

const (
	defaultExportCount = 1000
	maxPublishBytes    = 1 << 20
)

// Server holds the HTTP server and its dependencies
type Server struct {
	store  *GormStore
	ledger ledger.Store
	state  *RegistryState
	addr   string
	logger *slog.Logger

	upgrader websocket.Upgrader

	// stream clients further behind than this are sent to paginated /export
	streamBacklog int64
	pollInterval  time.Duration

	// used by /{did}/chain when the request gives no rootEventTime; zero means it is required
	RootEventTime trustchain.Timestamp
}

// NewServer creates a new HTTP server. The ledger may be nil, in which case chain verification is unavailable.
func NewServer(store *GormStore, ledgerStore ledger.Store, state *RegistryState, addr string, logger *slog.Logger) *Server {
	return &Server{
		store:         store,
		ledger:        ledgerStore,
		state:         state,
		addr:          addr,
		logger:        logger.With("component", "server"),
		streamBacklog: 10000,
		pollInterval:  500 * time.Millisecond,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /1.0/identifiers/{did}", s.handleResolve)
	mux.HandleFunc("GET /export", s.handleExport)
	mux.HandleFunc("GET /export/stream", s.handleExportStream)
	mux.HandleFunc("GET /{did}/chain", s.handleChain)
	mux.HandleFunc("GET /{did}/log", s.handleLog)
	mux.HandleFunc("GET /{did}", s.handleDIDDoc)
	mux.HandleFunc("POST /{did}", s.handlePublish)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	if s.ledger != nil {
		lh := http.StripPrefix("/ledger", ledger.NewHandler(s.ledger, s.logger))
		mux.Handle("GET /ledger/tip", lh)
		mux.Handle("GET /ledger/blocks/{height}", lh)
		mux.Handle("GET /ledger/blocks/{height}/hash", lh)
		if !s.state.Mirroring() {
			mux.Handle("POST /ledger/blocks", lh)
		}
	}

	return otelhttp.NewHandler(mux, "")
}

// Run serves HTTP until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "trustchain registry\n")
}

// returns version information, and how far the mirror has got
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version": versioninfo.Short(),
	}
	if s.state.Mirroring() {
		if t := s.state.LastCommittedTime(); !t.IsZero() {
			resp["lastCommitted"] = t.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) (*Entry, bool) {
	did := r.PathValue("did")
	head, err := s.store.GetLatest(r.Context(), did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching head: %v", err), http.StatusInternalServerError)
		return nil, false
	}
	if head == nil {
		writeJSONError(w, fmt.Sprintf("DID not registered: %s", did), http.StatusNotFound)
		return nil, false
	}
	return head, true
}

// handleResolve handles GET /1.0/identifiers/{did} - returns a full resolution result
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	resMeta, doc, meta := s.store.Resolve(r.Context(), r.PathValue("did"))
	status := http.StatusOK
	switch {
	case resMeta.Error == trustchain.ResolutionErrorNotFound:
		status = http.StatusNotFound
	case resMeta.Error != "":
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, trustchain.ResolutionResult{
		Context:            "https://w3id.org/did-resolution/v1",
		ResolutionMetadata: resMeta,
		Document:           doc,
		DocumentMetadata:   meta,
	})
}

// handleDIDDoc handles GET /{did} - returns the DID document
func (s *Server) handleDIDDoc(w http.ResponseWriter, r *http.Request) {
	head, ok := s.getLatest(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/did+json")
	if err := json.NewEncoder(w).Encode(head.Document); err != nil {
		s.logger.Warn("failed writing response", "err", err)
	}
}

// handleLog handles GET /{did}/log - returns every published version, oldest first
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	entries, err := s.store.GetHistory(r.Context(), did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching log: %v", err), http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		writeJSONError(w, fmt.Sprintf("DID not registered: %s", did), http.StatusNotFound)
		return
	}
	out := make([]ExportEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, newExportEntry(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePublish handles POST /{did} - validates and stores a new document version
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	did := r.PathValue("did")

	result := "invalid"
	defer func() {
		PublishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}()

	if s.state.Mirroring() {
		result = "rejected"
		writeJSONError(w, "this registry is a mirror; publish to its upstream", http.StatusForbidden)
		return
	}

	var req trustchain.PublishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPublishBytes)).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Document == nil || req.Document.ID != did {
		writeJSONError(w, "document id does not match request path", http.StatusBadRequest)
		return
	}

	prep, err := PrepareEntry(ctx, s.store, req.Document, req.DocumentMetadata, time.Now().UTC())
	if errors.Is(err, ErrInvalidEntry) {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		result = "error"
		s.logger.Error("failed preparing entry", "did", did, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	err = s.store.CommitEntries(ctx, []*PreparedEntry{prep})
	if errors.Is(err, ErrHeadMismatch) {
		result = "conflict"
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		result = "error"
		s.logger.Error("failed committing entry", "did", did, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	result = "ok"
	s.logger.Info("published document", "did", did, "cid", prep.CID, "prev", prep.PrevHead)
	writeJSON(w, http.StatusOK, map[string]string{"did": did, "cid": prep.CID})
}

// handleChain handles GET /{did}/chain?rootEventTime=<unix> - builds and fully verifies the trust chain
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSONError(w, "chain verification requires a ledger", http.StatusServiceUnavailable)
		return
	}
	rootEventTime := s.RootEventTime
	if q := r.URL.Query().Get("rootEventTime"); q != "" || rootEventTime == 0 {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			writeJSONError(w, "rootEventTime must be a unix timestamp", http.StatusBadRequest)
			return
		}
		rootEventTime = trustchain.Timestamp(n)
	}

	v := trustchain.NewVerifier(s.store, s.ledger, s.logger)
	chain, err := v.Verify(r.Context(), r.PathValue("did"), rootEventTime)
	if errors.Is(err, trustchain.ErrResolutionFailure) {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// handleExport handles GET /export?after=<seq>&count=<n> - JSON lines, in seq order
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = n
	}
	count := defaultExportCount
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, "invalid count parameter", http.StatusBadRequest)
			return
		}
		count = min(n, defaultExportCount)
	}

	entries, err := s.store.Export(r.Context(), after, count)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error exporting: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/jsonlines")
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(newExportEntry(e)); err != nil {
			s.logger.Warn("failed writing export", "err", err)
			return
		}
	}
}

// handleExportStream handles GET /export/stream?cursor=<seq> - a websocket of entries after the cursor, live
func (s *Server) handleExportStream(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid cursor parameter", http.StatusBadRequest)
			return
		}
		cursor = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// we never expect messages from the client; a read error means it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	latest, err := s.store.LatestSeq(ctx)
	if err != nil {
		s.logger.Error("failed reading latest seq", "err", err)
		return
	}
	if latest-cursor > s.streamBacklog {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, OutdatedCursorReason)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	for {
		entries, err := s.store.Export(ctx, cursor, defaultExportCount)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("failed exporting to stream", "err", err)
			}
			return
		}
		for _, e := range entries {
			b, err := json.Marshal(newExportEntry(e))
			if err != nil {
				s.logger.Error("failed encoding entry", "seq", e.Seq, "err", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
			cursor = e.Seq
		}
		if len(entries) < defaultExportCount && !sleepCtx(ctx, s.pollInterval) {
			return
		}
	}
}
