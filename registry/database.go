package registry

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	trustchain "github.com/trustchain-go/go-trustchain"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// Returned by CommitEntries when a DID's head moved since the entry was prepared
	ErrHeadMismatch = errors.New("head CID mismatch")
)

// jsonColumn stores any JSON-serializable value in a text column
type jsonColumn[T any] struct {
	Val T
}

func (c jsonColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.Val)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *jsonColumn[T]) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("unsupported type for JSON column: %T", value)
	}
	return json.Unmarshal(b, &c.Val)
}

// DocumentRecord is the current head document for a DID
type DocumentRecord struct {
	DID       string                                  `gorm:"column:did;primaryKey"`
	CID       string                                  `gorm:"column:cid;not null"`
	Seq       int64                                   `gorm:"column:seq;not null"`
	CreatedAt time.Time                               `gorm:"column:created_at;not null"`
	Document  jsonColumn[*trustchain.Doc]             `gorm:"column:document;not null"`
	Metadata  jsonColumn[trustchain.DocumentMetadata] `gorm:"column:metadata;not null"`
}

func (DocumentRecord) TableName() string {
	return "documents"
}

// EntryRecord is one published document version. Entries are append-only, ordered by seq.
type EntryRecord struct {
	Seq       int64                                   `gorm:"column:seq;primaryKey;autoIncrement"`
	DID       string                                  `gorm:"column:did;not null;index:idx_entries_did_seq,priority:1"`
	CID       string                                  `gorm:"column:cid;not null"`
	Prev      string                                  `gorm:"column:prev"`
	CreatedAt time.Time                               `gorm:"column:created_at;not null;index"`
	Document  jsonColumn[*trustchain.Doc]             `gorm:"column:document;not null"`
	Metadata  jsonColumn[trustchain.DocumentMetadata] `gorm:"column:metadata;not null"`
}

func (EntryRecord) TableName() string {
	return "entries"
}

// for tracking the ingest cursor
type HostCursor struct {
	Host string `gorm:"primaryKey"`
	Seq  int64  `gorm:"not null"`
}

// Entry is a stored document version
type Entry struct {
	Seq       int64
	DID       string
	CID       string
	Prev      string
	CreatedAt time.Time
	Document  *trustchain.Doc
	Metadata  trustchain.DocumentMetadata
}

// EntryStore is the storage needed to validate and commit entries
type EntryStore interface {
	// returns nil, nil when the DID is not registered
	GetLatest(ctx context.Context, did string) (*Entry, error)
	CommitEntries(ctx context.Context, entries []*PreparedEntry) error
}

// GormStore implements EntryStore (and trustchain.Resolver) using a database backend
type GormStore struct {
	db *gorm.DB
}

var (
	_ EntryStore          = (*GormStore)(nil)
	_ trustchain.Resolver = (*GormStore)(nil)
)

// NewGormStoreWithDialector creates a new database-backed store with a custom dialector
func NewGormStoreWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "store").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&DocumentRecord{}, &EntryRecord{}, &HostCursor{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{
		db: db,
	}, nil
}

func NewGormStoreWithSqlite(dbPath string, logger *slog.Logger) (*GormStore, error) {
	return NewGormStoreWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

func NewGormStoreWithPostgres(dsn string, logger *slog.Logger) (*GormStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	return NewGormStoreWithDialector(postgres.Open(u.String()), logger)
}

// NewGormStore opens a store from a URL: "sqlite://<path>" or "postgres://..."
func NewGormStore(dbURL string, logger *slog.Logger) (*GormStore, error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if strings.Contains(path, "?") {
			return NewGormStoreWithDialector(sqlite.Open(path), logger)
		}
		return NewGormStoreWithSqlite(path, logger)
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return NewGormStoreWithPostgres(dbURL, logger)
	default:
		return nil, fmt.Errorf("unsupported database URL scheme: %s", dbURL)
	}
}

func (rec *DocumentRecord) entry() *Entry {
	return &Entry{
		Seq:       rec.Seq,
		DID:       rec.DID,
		CID:       rec.CID,
		CreatedAt: rec.CreatedAt,
		Document:  rec.Document.Val,
		Metadata:  rec.Metadata.Val,
	}
}

func (rec *EntryRecord) entry() *Entry {
	return &Entry{
		Seq:       rec.Seq,
		DID:       rec.DID,
		CID:       rec.CID,
		Prev:      rec.Prev,
		CreatedAt: rec.CreatedAt,
		Document:  rec.Document.Val,
		Metadata:  rec.Metadata.Val,
	}
}

func (s *GormStore) GetLatest(ctx context.Context, did string) (*Entry, error) {
	var rec DocumentRecord
	result := s.db.WithContext(ctx).Where("did = ?", did).Take(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return rec.entry(), nil
}

// GetHistory returns every version of a DID's document, oldest first
func (s *GormStore) GetHistory(ctx context.Context, did string) ([]*Entry, error) {
	var recs []EntryRecord
	result := s.db.WithContext(ctx).Where("did = ?", did).Order("seq ASC").Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	entries := make([]*Entry, 0, len(recs))
	for i := range recs {
		entries = append(entries, recs[i].entry())
	}
	return entries, nil
}

func (s *GormStore) Resolve(ctx context.Context, did string) (*trustchain.ResolutionMetadata, *trustchain.Doc, trustchain.DocumentMetadata) {
	entry, err := s.GetLatest(ctx, did)
	if err != nil {
		return &trustchain.ResolutionMetadata{Error: fmt.Sprintf("%s: %v", trustchain.ResolutionErrorInternal, err)}, nil, nil
	}
	if entry == nil {
		return &trustchain.ResolutionMetadata{Error: trustchain.ResolutionErrorNotFound}, nil, nil
	}
	meta := entry.Metadata
	if meta == nil {
		meta = trustchain.DocumentMetadata{}
	}
	return &trustchain.ResolutionMetadata{ContentType: "application/did+json"}, entry.Document, meta
}

// CommitEntries stores a batch of prepared entries, all or nothing.
//
// Each entry's PrevHead must still be the DID's head (empty for a new DID), otherwise ErrHeadMismatch.
func (s *GormStore) CommitEntries(ctx context.Context, entries []*PreparedEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, prep := range entries {
			rec := EntryRecord{
				Seq:       prep.Seq,
				DID:       prep.DID,
				CID:       prep.CID,
				Prev:      prep.PrevHead,
				CreatedAt: prep.CreatedAt,
				Document:  jsonColumn[*trustchain.Doc]{Val: prep.Document},
				Metadata:  jsonColumn[trustchain.DocumentMetadata]{Val: prep.Metadata},
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to create entry: %w", err)
			}

			head := DocumentRecord{
				DID:       prep.DID,
				CID:       prep.CID,
				Seq:       rec.Seq,
				CreatedAt: prep.CreatedAt,
				Document:  rec.Document,
				Metadata:  rec.Metadata,
			}
			if prep.PrevHead == "" {
				result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&head)
				if result.Error != nil {
					return fmt.Errorf("failed to create head: %w", result.Error)
				} else if result.RowsAffected != 1 {
					return fmt.Errorf("%w: %s already registered", ErrHeadMismatch, prep.DID)
				}
				continue
			}

			// optimistic locking on the previous head
			result := tx.Model(&DocumentRecord{}).
				Where("did = ? AND cid = ?", prep.DID, prep.PrevHead).
				Updates(map[string]any{
					"cid":        head.CID,
					"seq":        head.Seq,
					"created_at": head.CreatedAt,
					"document":   head.Document,
					"metadata":   head.Metadata,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to update head: %w", result.Error)
			} else if result.RowsAffected != 1 {
				return fmt.Errorf("%w: %s", ErrHeadMismatch, prep.DID)
			}
		}
		return nil
	})
}

// Export returns up to limit entries with seq greater than after, in seq order
func (s *GormStore) Export(ctx context.Context, after int64, limit int) ([]*Entry, error) {
	var recs []EntryRecord
	result := s.db.WithContext(ctx).Where("seq > ?", after).Order("seq ASC").Limit(limit).Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	entries := make([]*Entry, 0, len(recs))
	for i := range recs {
		entries = append(entries, recs[i].entry())
	}
	return entries, nil
}

// LatestSeq returns the highest committed seq, or 0 for an empty store
func (s *GormStore) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	result := s.db.WithContext(ctx).Model(&EntryRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&seq)
	if result.Error != nil {
		return 0, fmt.Errorf("database error: %w", result.Error)
	}
	return seq, nil
}

func (s *GormStore) PutCursor(ctx context.Context, host string, seq int64) error {
	// upsert
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&HostCursor{
		Host: host,
		Seq:  seq,
	})
	return result.Error
}

// returns 0 if not found (since new hosts should start from 0)
func (s *GormStore) GetCursor(ctx context.Context, host string) (int64, error) {
	var hostCursor HostCursor
	result := s.db.WithContext(ctx).Where("host = ?", host).Take(&hostCursor)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if result.Error != nil {
		return 0, result.Error
	}
	return hostCursor.Seq, nil
}
