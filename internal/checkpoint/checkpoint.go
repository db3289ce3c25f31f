// Package checkpoint implements C7: named, immutable deep copies of a
// module's state, persisted under <root>/<module_id>/<name>.bin with a
// sqlite-backed manifest (schema applied via goose), grounded on the
// teacher's migrations.BackupManager file layout and its sqlite index.
package checkpoint

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
	"github.com/forgecore/hmrcore/internal/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Metrics instruments checkpoint lifecycle events.
type Metrics struct {
	Created  prometheus.Counter
	Restored prometheus.Counter
	Released prometheus.Counter
	Corrupt  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Created: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hmr", Subsystem: "checkpoint", Name: "created_total",
		}),
		Restored: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hmr", Subsystem: "checkpoint", Name: "restored_total",
		}),
		Released: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hmr", Subsystem: "checkpoint", Name: "released_total",
		}),
		Corrupt: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hmr", Subsystem: "checkpoint", Name: "corrupt_total",
		}),
	}
}

// Config wires a Store's collaborators and storage root.
type Config struct {
	Root          string
	States        *state.Manager
	MaxPerModule  int // 0 disables retention pruning
	Logger        *slog.Logger
	Registerer    prometheus.Registerer
}

// Store persists named module snapshots to disk with a sqlite manifest.
type Store struct {
	root         string
	db           *sql.DB
	sm           *state.Manager
	maxPerModule int
	logger       *slog.Logger
	metrics      *Metrics
}

// New opens (creating if absent) the manifest database under root and
// applies its schema.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to create checkpoint root", err)
	}

	dbPath := filepath.Join(cfg.Root, "manifest.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to open checkpoint manifest", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to set goose dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to apply checkpoint manifest schema", err)
	}

	return &Store{
		root:         cfg.Root,
		db:           db,
		sm:           cfg.States,
		maxPerModule: cfg.MaxPerModule,
		logger:       cfg.Logger,
		metrics:      newMetrics(cfg.Registerer),
	}, nil
}

func (s *Store) dir(moduleID uint32) string {
	return filepath.Join(s.root, strconv.FormatUint(uint64(moduleID), 10))
}

func (s *Store) path(moduleID uint32, name string) string {
	return filepath.Join(s.dir(moduleID), name+".bin")
}

// Create deep-copies moduleID's current state into a new named
// checkpoint, serialized with gob (the stdlib is the right tool here: no
// library in the retrieved corpus offers a binary struct codec, and the
// payload is an internal Go type, not a wire format shared with another
// language).
func (s *Store) Create(moduleID uint32, name string) error {
	snap, err := s.sm.Snapshot(moduleID)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to encode checkpoint payload", err)
	}

	if err := os.MkdirAll(s.dir(moduleID), 0o755); err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to create module checkpoint directory", err)
	}

	finalPath := s.path(moduleID, name)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to write checkpoint payload", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to finalize checkpoint payload", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (module_id, name, path, created_at, size_bytes)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(module_id, name) DO UPDATE SET path=excluded.path, created_at=excluded.created_at, size_bytes=excluded.size_bytes`,
		moduleID, name, finalPath, time.Now().Unix(), buf.Len())
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to record checkpoint in manifest", err)
	}

	s.metrics.Created.Inc()
	if s.maxPerModule > 0 {
		s.pruneOldest(moduleID)
	}
	return nil
}

// Restore reads a named checkpoint back and atomically replaces
// moduleID's live state via state.Manager.Restore, which itself rejects
// the payload before mutating anything if any chunk fails its checksum.
func (s *Store) Restore(moduleID uint32, name string) error {
	path, err := s.lookupPath(moduleID, name)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrCheckpointMissing, "failed to read checkpoint payload", err)
	}

	var snap state.ModuleSnapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		s.metrics.Corrupt.Inc()
		return hmrerrors.Wrap(hmrerrors.ErrCheckpointCorrupt, "failed to decode checkpoint payload", err)
	}

	if err := s.sm.Restore(moduleID, snap); err != nil {
		s.metrics.Corrupt.Inc()
		return err
	}
	s.metrics.Restored.Inc()
	return nil
}

// Release deletes a checkpoint's payload and manifest row. Called after a
// swap's configurable commit grace period, once no caller can still be
// holding a reference to the pre-swap state.
func (s *Store) Release(moduleID uint32, name string) error {
	path, err := s.lookupPath(moduleID, name)
	if err != nil {
		if errors.Is(err, hmrerrors.ErrCheckpointMissing) {
			return nil // already gone
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE module_id = ? AND name = ?`, moduleID, name); err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to remove checkpoint manifest row", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to remove checkpoint payload", err)
	}
	s.metrics.Released.Inc()
	return nil
}

func (s *Store) lookupPath(moduleID uint32, name string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM checkpoints WHERE module_id = ? AND name = ?`, moduleID, name).Scan(&path)
	if err == sql.ErrNoRows {
		return "", hmrerrors.Wrap(hmrerrors.ErrCheckpointMissing, fmt.Sprintf("no checkpoint %q for module %d", name, moduleID), nil)
	}
	if err != nil {
		return "", hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to query checkpoint manifest", err)
	}
	return path, nil
}

// Info describes one manifest row, for /status and maintenance.
type Info struct {
	Name      string
	Path      string
	CreatedAt time.Time
	SizeBytes int64
}

// List returns every checkpoint recorded for moduleID, oldest first.
func (s *Store) List(moduleID uint32) ([]Info, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, path, created_at, size_bytes FROM checkpoints WHERE module_id = ? ORDER BY created_at ASC`, moduleID)
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to list checkpoints", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var createdAt int64
		if err := rows.Scan(&info.Name, &info.Path, &createdAt, &info.SizeBytes); err != nil {
			return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to scan checkpoint row", err)
		}
		info.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, info)
	}
	return out, rows.Err()
}

// pruneOldest removes checkpoints beyond maxPerModule for one module,
// oldest first, per spec.md §5's "maintenance evicts ... old checkpoints
// when limits are approached".
func (s *Store) pruneOldest(moduleID uint32) {
	infos, err := s.List(moduleID)
	if err != nil {
		s.logger.Warn("checkpoint prune: list failed", "module", moduleID, "error", err)
		return
	}
	if len(infos) <= s.maxPerModule {
		return
	}
	toDrop := infos[:len(infos)-s.maxPerModule]
	for _, info := range toDrop {
		if err := s.Release(moduleID, info.Name); err != nil {
			s.logger.Warn("checkpoint prune: release failed", "module", moduleID, "name", info.Name, "error", err)
		}
	}
}

// Close closes the manifest database.
func (s *Store) Close() error {
	return s.db.Close()
}
