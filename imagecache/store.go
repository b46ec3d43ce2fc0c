// Package imagecache persists generated images on durable storage: one file
// per image under a profile-specific directory, indexed by an SQLite table
// that preserves creation order and content checksums.
//
// Exactly one Profile is active per running instance. The two profiles never
// share a directory, so a deployment can switch strategies without mixing
// resolutions inside one cache.
//
// Writes are atomic (temp file + rename) and durable before Save returns.
// Reads are forgiving: a corrupt or missing file is skipped with a warning,
// never fatal to startup.
package imagecache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/lanterne/dbopen"
	"github.com/hazyhaar/lanterne/frame"
)

// Profile selects which resolution/encoding this deployment persists.
type Profile string

const (
	// ProfileRawOriginal stores images at generation resolution; the fast
	// upscaler runs after load. Suited to storage-constrained deployments.
	ProfileRawOriginal Profile = "raw_original"
	// ProfileUpscaledFinal stores images after the slow model upscale, at
	// display resolution. Suited when disk is cheap and generation is
	// infrequent.
	ProfileUpscaledFinal Profile = "upscaled_final"
)

// Schema is the DDL for the cache index table.
const Schema = `
CREATE TABLE IF NOT EXISTS cache_index (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    image_id TEXT NOT NULL UNIQUE,
    profile TEXT NOT NULL,
    filename TEXT NOT NULL,
    prompt TEXT,
    checksum TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_profile_seq ON cache_index(profile, seq);
`

// CacheError wraps a cache I/O failure.
type CacheError struct {
	Op    string
	Path  string
	Cause error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("imagecache: %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *CacheError) Unwrap() error { return e.Cause }

// CorruptFunc is invoked when LoadRecent skips an unreadable entry. Wired to
// the observability event log by the engine.
type CorruptFunc func(ctx context.Context, imageID, reason string)

// Store is the on-disk image cache for one profile.
type Store struct {
	db        *sql.DB
	dir       string // profile-specific directory
	profile   Profile
	logger    *slog.Logger
	onCorrupt CorruptFunc
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithCorruptHook sets the hook called for every skipped corrupt entry.
func WithCorruptHook(fn CorruptFunc) StoreOption {
	return func(s *Store) { s.onCorrupt = fn }
}

// NewStore creates a Store rooted at root, persisting under root/<profile>/.
// The caller opens db with the index schema applied:
//
//	db, err := dbopen.Open(path, dbopen.WithSchema(imagecache.Schema))
func NewStore(db *sql.DB, root string, profile Profile, opts ...StoreOption) (*Store, error) {
	switch profile {
	case ProfileRawOriginal, ProfileUpscaledFinal:
	default:
		return nil, fmt.Errorf("imagecache: unknown profile %q", profile)
	}
	dir := filepath.Join(root, string(profile))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &CacheError{Op: "mkdir", Path: dir, Cause: err}
	}
	s := &Store{
		db:      db,
		dir:     dir,
		profile: profile,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Profile returns the active cache profile.
func (s *Store) Profile() Profile { return s.profile }

// Dir returns the profile-specific directory files are written to.
func (s *Store) Dir() string { return s.dir }

// Save persists img durably: encoded bytes are written to a temp file,
// synced, renamed into place, then indexed. When img carries no encoded
// bytes (e.g. it was upscaled in memory) the buffer is serialised to PNG.
func (s *Store) Save(ctx context.Context, img *frame.Image) error {
	encoded := img.Encoded
	if encoded == nil {
		var err error
		encoded, err = frame.EncodePNG(img.Buffer)
		if err != nil {
			return &CacheError{Op: "encode", Path: img.ID, Cause: err}
		}
	}

	filename := img.ID + extensionFor(encoded)
	final := filepath.Join(s.dir, filename)

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return &CacheError{Op: "create temp", Path: s.dir, Cause: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &CacheError{Op: "write", Path: tmpName, Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &CacheError{Op: "sync", Path: tmpName, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &CacheError{Op: "close", Path: tmpName, Cause: err}
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return &CacheError{Op: "rename", Path: final, Cause: err}
	}

	sum := blake2b.Sum256(encoded)
	createdAt := img.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO cache_index (image_id, profile, filename, prompt, checksum, created_at)
		VALUES (?,?,?,?,?,?)`,
		img.ID, string(s.profile), filename, img.Prompt,
		hex.EncodeToString(sum[:]), createdAt.Unix())
	if err != nil {
		// The file exists but is unindexed; remove it so the cache and
		// index never disagree.
		os.Remove(final)
		return &CacheError{Op: "index", Path: filename, Cause: err}
	}

	s.logger.Debug("image cached",
		"id", img.ID, "profile", s.profile, "bytes", len(encoded))
	return nil
}

// LoadRecent enumerates the newest limit entries for the active profile in
// creation order, decoding each file; limit <= 0 loads the whole profile.
// Decoded pixels are what cost memory, so callers that only keep a replay
// window ask for a window. Entries whose file is missing, whose checksum
// mismatches or whose bytes fail to decode are skipped with a warning and
// reported through the corrupt hook.
func (s *Store) LoadRecent(ctx context.Context, limit int) ([]*frame.Image, error) {
	query := `
		SELECT image_id, filename, prompt, checksum, created_at
		FROM cache_index WHERE profile = ? ORDER BY seq`
	args := []any{string(s.profile)}
	if limit > 0 {
		query = `
		SELECT image_id, filename, prompt, checksum, created_at FROM (
			SELECT seq, image_id, filename, prompt, checksum, created_at
			FROM cache_index WHERE profile = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &CacheError{Op: "query", Path: "cache_index", Cause: err}
	}
	defer rows.Close()

	var out []*frame.Image
	for rows.Next() {
		var id, filename, prompt, checksum string
		var createdAt int64
		if err := rows.Scan(&id, &filename, &prompt, &checksum, &createdAt); err != nil {
			return nil, &CacheError{Op: "scan", Path: "cache_index", Cause: err}
		}
		img, reason := s.loadOne(id, filename, prompt, checksum, createdAt)
		if img == nil {
			s.logger.Warn("skipping corrupt cache entry",
				"id", id, "file", filename, "reason", reason)
			if s.onCorrupt != nil {
				s.onCorrupt(ctx, id, reason)
			}
			continue
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *Store) loadOne(id, filename, prompt, checksum string, createdAt int64) (*frame.Image, string) {
	encoded, err := os.ReadFile(filepath.Join(s.dir, filename))
	if err != nil {
		return nil, "unreadable: " + err.Error()
	}
	sum := blake2b.Sum256(encoded)
	if hex.EncodeToString(sum[:]) != checksum {
		return nil, "checksum mismatch"
	}
	buf, err := frame.Decode(encoded)
	if err != nil {
		return nil, "undecodable: " + err.Error()
	}
	return &frame.Image{
		ID:        id,
		Buffer:    buf,
		Encoded:   encoded,
		CreatedAt: time.Unix(createdAt, 0),
		Prompt:    prompt,
	}, ""
}

// Count returns the number of indexed entries for the active profile.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_index WHERE profile = ?`,
		string(s.profile)).Scan(&n)
	if err != nil {
		return 0, &CacheError{Op: "count", Path: "cache_index", Cause: err}
	}
	return n, nil
}

// EvictOldest removes the n oldest entries (files and index rows). Present
// for future retention limits; the current pipeline never calls it.
func (s *Store) EvictOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, filename FROM cache_index
		WHERE profile = ? ORDER BY seq LIMIT ?`,
		string(s.profile), n)
	if err != nil {
		return 0, &CacheError{Op: "query", Path: "cache_index", Cause: err}
	}
	type victim struct {
		seq      int64
		filename string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.seq, &v.filename); err != nil {
			rows.Close()
			return 0, &CacheError{Op: "scan", Path: "cache_index", Cause: err}
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &CacheError{Op: "query", Path: "cache_index", Cause: err}
	}

	// Index rows go in one transaction so a failure mid-eviction never
	// leaves a partially applied batch; files are removed after commit.
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, v := range victims {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cache_index WHERE seq = ?`, v.seq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &CacheError{Op: "delete", Path: "cache_index", Cause: err}
	}

	for _, v := range victims {
		if err := os.Remove(filepath.Join(s.dir, v.filename)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("evicted index row but file removal failed",
				"file", v.filename, "error", err)
		}
	}
	return len(victims), nil
}

// extensionFor sniffs the encoding the image arrived in, so files keep their
// original format without re-encoding.
func extensionFor(encoded []byte) string {
	switch {
	case len(encoded) >= 8 && string(encoded[:8]) == "\x89PNG\r\n\x1a\n":
		return ".png"
	case len(encoded) >= 3 && encoded[0] == 0xff && encoded[1] == 0xd8 && encoded[2] == 0xff:
		return ".jpg"
	case len(encoded) >= 12 && string(encoded[:4]) == "RIFF" && string(encoded[8:12]) == "WEBP":
		return ".webp"
	default:
		return ".img"
	}
}
