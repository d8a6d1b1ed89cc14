package vectorsearch

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/c2stem/copa/internal/domain"
)

// SQLiteIndex stores passages and their embeddings in SQLite and ranks them
// by cosine similarity in process.
type SQLiteIndex struct {
	db        *sql.DB
	namespace string
	logger    *slog.Logger
}

// NewSQLiteIndex ensures the passages table exists on db.
func NewSQLiteIndex(db *sql.DB, namespace string, logger *slog.Logger) (*SQLiteIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &SQLiteIndex{db: db, namespace: namespace, logger: logger}
	if err := idx.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize vector schema: %w", err)
	}
	return idx, nil
}

func (idx *SQLiteIndex) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS passages (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		dims INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, id)
	);
	`
	_, err := idx.db.Exec(query)
	return err
}

// Namespace returns the namespace this index searches.
func (idx *SQLiteIndex) Namespace() string { return idx.namespace }

// WithNamespace returns an index over the same table scoped to namespace.
func (idx *SQLiteIndex) WithNamespace(namespace string) *SQLiteIndex {
	return &SQLiteIndex{db: idx.db, namespace: namespace, logger: idx.logger}
}

// Upsert inserts or replaces passages. A passage's own Namespace wins over
// the index namespace when set.
func (idx *SQLiteIndex) Upsert(ctx context.Context, passages []domain.Passage) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO passages (namespace, id, label, text, dims, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			label = excluded.label,
			text = excluded.text,
			dims = excluded.dims,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, p := range passages {
		ns := p.Namespace
		if ns == "" {
			ns = idx.namespace
		}
		if _, err := stmt.ExecContext(ctx, ns, p.ID, p.Label, p.Text, len(p.Embedding), encodeVector(p.Embedding), now); err != nil {
			return fmt.Errorf("upsert passage %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Count returns the number of passages in the namespace.
func (idx *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages WHERE namespace = ?`, idx.namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count passages: %w", err)
	}
	return n, nil
}

// Search scans the namespace and returns the topK most similar passages.
func (idx *SQLiteIndex) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := validateQuery(vector, topK); err != nil {
		return nil, err
	}
	rows, err := idx.db.QueryContext(ctx,
		`SELECT id, label, text, dims, embedding FROM passages WHERE namespace = ?`, idx.namespace)
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			idx.logger.Warn("failed to close passage rows", "error", closeErr)
		}
	}()

	var matches []Match
	skipped := 0
	for rows.Next() {
		var m Match
		var dims int
		var blob []byte
		if err := rows.Scan(&m.ID, &m.Label, &m.Text, &dims, &blob); err != nil {
			return nil, fmt.Errorf("scan passage row: %w", err)
		}
		if dims != len(vector) {
			skipped++
			continue
		}
		m.Score = cosine(vector, decodeVector(blob))
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passages: %w", err)
	}
	if skipped > 0 {
		idx.logger.Warn("skipped passages with mismatched dimensions",
			"namespace", idx.namespace, "skipped", skipped, "query_dims", len(vector))
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
