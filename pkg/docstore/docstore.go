// Package docstore is the structured records store backing records_query
// and its sibling tools.
//
// Records are schemaless JSON documents grouped into collections, held in
// SQLite and filtered with json_extract equality matches. The store seeds
// demo users and products on first open so a fresh install answers record
// queries immediately.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/internal/tracing"
)

// ErrUnknownCollection is returned for collections outside the whitelist
var ErrUnknownCollection = errors.New("collection does not exist")

// DefaultCollections are the collections a fresh store knows about
var DefaultCollections = []string{"users", "products"}

// Record is one stored document
type Record struct {
	ID         string                 `json:"_id"`
	Collection string                 `json:"-"`
	Data       map[string]interface{} `json:"data"`
}

// Config holds store configuration
type Config struct {
	DBPath      string
	Collections []string // defaults to DefaultCollections
	SkipSeed    bool     // leave a fresh store empty
	Logger      zerolog.Logger
}

// Store is the SQLite-backed record store
type Store struct {
	db          *sql.DB
	collections map[string]bool
	logger      zerolog.Logger
}

// New opens or creates the store and seeds demo data on first use
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = DefaultCollections
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:          db,
		collections: make(map[string]bool, len(cfg.Collections)),
		logger:      cfg.Logger,
	}
	for _, c := range cfg.Collections {
		s.collections[c] = true
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if !cfg.SkipSeed {
		if err := s.seed(context.Background()); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to seed store: %w", err)
		}
	}

	s.logger.Info().Str("db", cfg.DBPath).Msg("Record store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
	`
	_, err := s.db.Exec(schema)
	return err
}

// seed inserts the demo users and products once
func (s *Store) seed(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	users := []map[string]interface{}{
		{
			"name":  "John Doe",
			"email": "john@example.com",
			"role":  "admin",
			"preferences": map[string]interface{}{
				"theme":         "dark",
				"notifications": true,
			},
		},
		{
			"name":  "Jane Smith",
			"email": "jane@example.com",
			"role":  "user",
			"preferences": map[string]interface{}{
				"theme":         "light",
				"notifications": false,
			},
		},
	}
	products := []map[string]interface{}{
		{"name": "Laptop", "price": 1200, "category": "electronics", "in_stock": true},
		{"name": "Phone", "price": 800, "category": "electronics", "in_stock": true},
		{"name": "Desk", "price": 350, "category": "furniture", "in_stock": false},
	}

	for _, u := range users {
		if _, err := s.Insert(ctx, "users", u); err != nil {
			return err
		}
	}
	for _, p := range products {
		if _, err := s.Insert(ctx, "products", p); err != nil {
			return err
		}
	}

	s.logger.Info().Int("users", len(users)).Int("products", len(products)).Msg("Record store seeded")
	return nil
}

func (s *Store) checkCollection(name string) error {
	if !s.collections[name] {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return nil
}

// filterClause turns an equality filter into SQL over json_extract.
// Filter keys are sorted so the generated SQL is stable.
func filterClause(filter map[string]interface{}) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		if strings.ContainsAny(k, "'\"`;") {
			return "", nil, fmt.Errorf("invalid filter field %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("json_extract(data, '$.%s') = ?", k))
		v := filter[k]
		// SQLite json_extract surfaces JSON booleans as 0/1.
		if b, ok := v.(bool); ok {
			if b {
				v = 1
			} else {
				v = 0
			}
		}
		args = append(args, v)
	}
	return " AND " + strings.Join(clauses, " AND "), args, nil
}

// Query returns records matching the equality filter, newest last
func (s *Store) Query(ctx context.Context, collection string, filter map[string]interface{}, limit int) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "docstore", "docstore.query",
		attribute.String("collection", collection),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordRecordQuery(time.Since(start))
	}()

	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}

	clause, args, err := filterClause(filter)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, data FROM records WHERE collection = ?" + clause + " ORDER BY created_at, id"
	queryArgs := append([]interface{}{collection}, args...)
	if limit > 0 {
		query += " LIMIT ?"
		queryArgs = append(queryArgs, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var id, dataJSON string
		if err := rows.Scan(&id, &dataJSON); err != nil {
			return nil, err
		}
		rec := Record{ID: id, Collection: collection}
		if err := json.Unmarshal([]byte(dataJSON), &rec.Data); err != nil {
			s.logger.Warn().Err(err).Str("record_id", id).Msg("Skipping unparseable record")
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// QueryOne returns the first matching record, or nil
func (s *Store) QueryOne(ctx context.Context, collection string, filter map[string]interface{}) (*Record, error) {
	records, err := s.Query(ctx, collection, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// Count returns the number of matching records
func (s *Store) Count(ctx context.Context, collection string, filter map[string]interface{}) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "docstore", "docstore.count",
		attribute.String("collection", collection),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordRecordQuery(time.Since(start))
	}()

	if err := s.checkCollection(collection); err != nil {
		return 0, err
	}

	clause, args, err := filterClause(filter)
	if err != nil {
		return 0, err
	}

	var count int
	query := "SELECT COUNT(*) FROM records WHERE collection = ?" + clause
	queryArgs := append([]interface{}{collection}, args...)
	if err := s.db.QueryRowContext(ctx, query, queryArgs...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return count, nil
}

// Insert stores a new record and returns its ID
func (s *Store) Insert(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	if err := s.checkCollection(collection); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("data is required for insert")
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UnixNano()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO records (id, collection, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, collection, string(dataJSON), now, now,
	); err != nil {
		return "", fmt.Errorf("insert failed: %w", err)
	}
	return id, nil
}

// Update merges changes into every matching record. Returns matched and
// modified counts.
func (s *Store) Update(ctx context.Context, collection string, filter, changes map[string]interface{}) (matched, modified int, err error) {
	if err := s.checkCollection(collection); err != nil {
		return 0, 0, err
	}
	if len(changes) == 0 {
		return 0, 0, errors.New("data is required for update")
	}

	records, err := s.Query(ctx, collection, filter, 0)
	if err != nil {
		return 0, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		matched++

		changed := false
		for k, v := range changes {
			if !jsonEqual(rec.Data[k], v) {
				rec.Data[k] = v
				changed = true
			}
		}
		if !changed {
			continue
		}

		dataJSON, err := json.Marshal(rec.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to marshal data: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET data = ?, updated_at = ? WHERE id = ?",
			string(dataJSON), time.Now().UnixNano(), rec.ID,
		); err != nil {
			return 0, 0, fmt.Errorf("update failed: %w", err)
		}
		modified++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit: %w", err)
	}
	return matched, modified, nil
}

// Delete removes every matching record and returns the count
func (s *Store) Delete(ctx context.Context, collection string, filter map[string]interface{}) (int, error) {
	if err := s.checkCollection(collection); err != nil {
		return 0, err
	}

	clause, args, err := filterClause(filter)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ?"+clause,
		append([]interface{}{collection}, args...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete failed: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// Collections returns the known collection names, sorted
func (s *Store) Collections() []string {
	out := make([]string, 0, len(s.collections))
	for c := range s.collections {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Close closes the underlying database
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing record store")
	return s.db.Close()
}

// jsonEqual compares two values through their JSON encoding, so 800 and
// float64(800) match the way they do after a round trip
func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
