package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	trustchain "github.com/trustchain-go/go-trustchain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const exportEntryType = "sequenced_entry"

// ExportEntry is a single line of the /export endpoint (and a single /export/stream message)
type ExportEntry struct {
	Seq       int64                       `json:"seq"`
	Type      string                      `json:"type"`
	DID       string                      `json:"did"`
	CID       string                      `json:"cid"`
	Prev      string                      `json:"prev,omitempty"`
	CreatedAt string                      `json:"createdAt"`
	Document  *trustchain.Doc             `json:"didDocument"`
	Metadata  trustchain.DocumentMetadata `json:"didDocumentMetadata"`
}

func newExportEntry(e *Entry) ExportEntry {
	return ExportEntry{
		Seq:       e.Seq,
		Type:      exportEntryType,
		DID:       e.DID,
		CID:       e.CID,
		Prev:      e.Prev,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Document:  e.Document,
		Metadata:  e.Metadata,
	}
}

// toSequencedEntry returns nil if the entry should be skipped
func (e *ExportEntry) toSequencedEntry(logger *slog.Logger) (*SequencedEntry, error) {
	if e.Type != exportEntryType {
		logger.Warn("skipping entry with unexpected type", "type", e.Type)
		return nil, nil
	}
	if e.Document == nil {
		logger.Warn("skipping entry without document", "did", e.DID, "seq", e.Seq)
		return nil, nil
	}

	createdAt, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp for %s: %w", e.DID, err)
	}

	return &SequencedEntry{
		Seq:       e.Seq,
		DID:       e.DID,
		CID:       e.CID,
		Prev:      e.Prev,
		CreatedAt: createdAt,
		Document:  e.Document,
		Metadata:  e.Metadata,
	}, nil
}

const (
	// how close to real-time the latest entry must be before paginated ingest switches to streaming
	caughtUpThreshold = 1 * time.Hour

	retryDelay = 1 * time.Second

	cursorPersistInterval = 1 * time.Second

	// also used as the websocket read timeout, triggering a reconnect
	httpClientTimeout = 30 * time.Second
)

var (
	// the upstream closed the stream with an OutdatedCursor reason; paginated catch-up is needed
	errOutdatedCursor = errors.New("outdated cursor")

	// paginated ingestion reached near real-time (or the end of the export)
	errCaughtUp = errors.New("caught up to near real-time")
)

// Ingestor mirrors entries from an upstream registry's export endpoints,
// validates them, and commits them to the local store.
type Ingestor struct {
	store              *GormStore
	state              *RegistryState
	directoryURL       string
	parsedDirectoryURL *url.URL
	cursorHost         string
	numWorkers         int
	startCursor        int64
	userAgent          string
	httpClient         *http.Client
	wsDialer           *websocket.Dialer
	logger             *slog.Logger
}

// NewIngestor creates a new Ingestor. Pass startCursor == -1 to resume from
// the cursor stored in the database.
func NewIngestor(store *GormStore, state *RegistryState, directoryURL string, startCursor int64, numWorkers int, logger *slog.Logger) (*Ingestor, error) {
	parsedDirectoryURL, err := url.Parse(directoryURL)
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		store:              store,
		state:              state,
		directoryURL:       directoryURL,
		parsedDirectoryURL: parsedDirectoryURL,
		cursorHost:         parsedDirectoryURL.Host,
		numWorkers:         numWorkers,
		startCursor:        startCursor,
		userAgent:          fmt.Sprintf("go-trustchain-registry/%s", versioninfo.Short()),
		httpClient: &http.Client{
			Timeout:   httpClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		wsDialer: websocket.DefaultDialer,
		logger:   logger.With("component", "ingestor"),
	}, nil
}

// Run executes the full mirroring pipeline, until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	cursor := i.startCursor
	if cursor == -1 {
		var err error
		cursor, err = i.store.GetCursor(ctx, i.cursorHost)
		if err != nil {
			return err
		}
	}

	tracker := NewCursorTracker(cursor)

	/*

		ingestLoop reads entries from the upstream registry, in seq order, into ingested.

		The dispatch loop below forwards them into seqEntries, making sure that neither the entry's
		DID nor its controller has another entry in flight: a controlled document can only be
		validated once its controller's preceding entries are committed.

		ValidateWorkers validate entries and send them on to the single CommitWorker, which
		commits them to the store in batches.

	*/

	ingested := make(chan *SequencedEntry, 10000)
	seqEntries := make(chan *SequencedEntry, 100)
	validated := make(chan ValidatedEntry, 1000)

	for range i.numWorkers {
		go ValidateWorker(ctx, seqEntries, validated, tracker, i.store, i.logger)
	}

	flushCh := make(chan chan struct{})
	go CommitWorker(ctx, validated, tracker, i.store, i.state, flushCh, i.logger)

	go func() {
		ticker := time.NewTicker(cursorPersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resumeCursor := tracker.Cursor()
				if err := i.store.PutCursor(ctx, i.cursorHost, resumeCursor); err != nil {
					i.logger.Error("failed to persist cursor", "error", err)
				} else {
					i.logger.Debug("persisted cursor", "cursor", resumeCursor, "host", i.cursorHost)
				}
				IngestCursorGauge.Record(ctx, resumeCursor)
				IngestedQueueGauge.Record(ctx, int64(len(ingested)))
				SeqQueueGauge.Record(ctx, int64(len(seqEntries)))
				ValidatedQueueGauge.Record(ctx, int64(len(validated)))
			}
		}
	}()

	go func() {
		i.ingestLoop(ctx, &cursor, ingested)
		close(ingested)
	}()

	flush := func() bool {
		done := make(chan struct{})
		select {
		case flushCh <- done:
		case <-ctx.Done():
			return false
		}
		select {
		case <-done:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for se := range ingested {
		controller := ""
		if len(se.Document.Controller) == 1 {
			controller = se.Document.Controller[0]
		}

		for controller != "" && tracker.Busy(controller) {
			if !flush() {
				return ctx.Err()
			}
		}
		for !tracker.Start(se.DID, se.Seq) {
			if !flush() {
				return ctx.Err()
			}
		}

		select {
		case seqEntries <- se:
		case <-ctx.Done():
			return ctx.Err()
		}

		// recorded when the entry is in flight, not yet committed
		LastIngestedEntryTsGauge.Record(ctx, se.CreatedAt.Unix())
	}

	return ctx.Err()
}

// ingestLoop switches between websocket streaming (/export/stream) and paginated HTTP (/export).
//
// It starts with the stream. If the upstream reports an outdated cursor, it falls back to
// paginated ingestion until caught up, then streams again. Other errors are retried after a delay.
func (i *Ingestor) ingestLoop(ctx context.Context, cursor *int64, entries chan<- *SequencedEntry) {
	recordState := func(attr attribute.KeyValue) {
		if attr == IngestStateStream {
			IngestStateGauge.Record(ctx, 1, metric.WithAttributes(IngestStateStream))
			IngestStateGauge.Record(ctx, 0, metric.WithAttributes(IngestStatePaginated))
		} else {
			IngestStateGauge.Record(ctx, 1, metric.WithAttributes(IngestStatePaginated))
			IngestStateGauge.Record(ctx, 0, metric.WithAttributes(IngestStateStream))
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		recordState(IngestStateStream)
		i.logger.Info("starting stream ingestion", "cursor", *cursor)
		err := i.ingestStream(ctx, cursor, entries)
		if err == nil {
			continue
		}

		if errors.Is(err, errOutdatedCursor) {
			i.logger.Info("cursor outdated for stream, falling back to paginated", "cursor", *cursor)
			recordState(IngestStatePaginated)
			for {
				i.logger.Info("starting paginated ingestion", "cursor", *cursor)
				perr := i.ingestPaginated(ctx, cursor, entries)
				if errors.Is(perr, errCaughtUp) {
					i.logger.Info("caught up, switching to stream", "cursor", *cursor)
					break
				}
				if ctx.Err() != nil {
					return
				}
				i.logger.Error("paginated ingestion error, retrying", "error", perr)
				if !sleepCtx(ctx, retryDelay) {
					return
				}
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}

		i.logger.Error("stream ingestion error, retrying", "error", err)
		if !sleepCtx(ctx, retryDelay) {
			return
		}
	}
}

func (i *Ingestor) send(ctx context.Context, entry *ExportEntry, cursor *int64, entries chan<- *SequencedEntry) (*SequencedEntry, error) {
	se, err := entry.toSequencedEntry(i.logger)
	if err != nil {
		return nil, err
	}
	if se != nil {
		select {
		case entries <- se:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if entry.Seq > *cursor {
		*cursor = entry.Seq
	}
	return se, nil
}

// ingestStream reads entries from the /export/stream websocket until an error occurs.
// Returns errOutdatedCursor if the upstream closes the connection with an OutdatedCursor reason.
func (i *Ingestor) ingestStream(ctx context.Context, cursor *int64, entries chan<- *SequencedEntry) error {
	wsURL := buildStreamURL(i.parsedDirectoryURL, *cursor)
	i.logger.Debug("websocket connecting", "url", wsURL)

	header := http.Header{}
	header.Set("User-Agent", i.userAgent)

	conn, _, err := i.wsDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// ReadMessage doesn't take a context
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)
	defer conn.Close()

	i.logger.Info("websocket connected", "url", wsURL)

	for {
		conn.SetReadDeadline(time.Now().Add(httpClientTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text == OutdatedCursorReason {
				return errOutdatedCursor
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read error: %w", err)
		}

		var entry ExportEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return fmt.Errorf("failed to parse websocket message: %w", err)
		}
		if _, err := i.send(ctx, &entry, cursor, entries); err != nil {
			return err
		}
	}
}

// ingestPaginated reads pages from /export until an error occurs, or until it is caught up (errCaughtUp):
// either an empty page, or entries within caughtUpThreshold of real-time.
func (i *Ingestor) ingestPaginated(ctx context.Context, cursor *int64, entries chan<- *SequencedEntry) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reqURL := fmt.Sprintf("%s/export?after=%d", i.directoryURL, *cursor)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", i.userAgent)

		i.logger.Debug("http request starting", "method", "GET", "url", reqURL)
		resp, err := i.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch export: %w", err)
		}

		latest, count, err := i.readPage(ctx, resp, cursor, entries)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if count == 0 || (!latest.IsZero() && time.Since(latest) < caughtUpThreshold) {
			return errCaughtUp
		}
	}
}

func (i *Ingestor) readPage(ctx context.Context, resp *http.Response, cursor *int64, entries chan<- *SequencedEntry) (time.Time, int, error) {
	var latest time.Time
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return latest, 0, fmt.Errorf("export endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	count := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, 10000000)
	for scanner.Scan() {
		var entry ExportEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return latest, count, fmt.Errorf("failed to parse export entry: %w", err)
		}
		se, err := i.send(ctx, &entry, cursor, entries)
		if err != nil {
			return latest, count, err
		}
		count++
		if se != nil && se.CreatedAt.After(latest) {
			latest = se.CreatedAt
		}
	}
	if err := scanner.Err(); err != nil {
		return latest, count, fmt.Errorf("error reading export stream: %w", err)
	}
	return latest, count, nil
}

// buildStreamURL converts an HTTP directory URL to a websocket /export/stream URL.
// e.g. "https://host" -> "wss://host/export/stream?cursor=N"
func buildStreamURL(u *url.URL, cursor int64) string {
	out := *u

	switch out.Scheme {
	case "https":
		out.Scheme = "wss"
	case "http":
		out.Scheme = "ws"
	}

	out.Path = "/export/stream"
	q := out.Query()
	q.Set("cursor", fmt.Sprintf("%d", cursor))
	out.RawQuery = q.Encode()
	return out.String()
}
