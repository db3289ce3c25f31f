// Package liveconfig implements C12: the live-config manager. It parses a
// typed tree from raw bytes via an injected parser driver, applies it with
// an atomic pointer swap, keeps exactly one prior tree for rollback, and
// optionally validates the new tree against a typed schema before it is
// applied. The atomic-swap-plus-rollback shape is adapted directly from
// the teacher's internal/config.ReloadCoordinator, generalized from a
// fixed viper-decoded Config struct to an arbitrary parsed tree since
// C12's source format is supplied by an external parser driver rather
// than fixed at compile time.
package liveconfig

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// Tree is a parsed configuration document: string, float64, bool, nil,
// []interface{}, or map[string]interface{} values, nested arbitrarily —
// the same shape encoding/json decodes into interface{}.
type Tree map[string]interface{}

// Parser is the external structured-config parser driver (§6: "Structured
// config parser (in): parse_json(bytes) -> tree | parse_error"). The core
// never parses configuration itself; it only reacts to what this driver
// returns.
type Parser interface {
	Parse(data []byte) (Tree, error)
}

// ChangeCallback fires with the newly applied tree after a successful
// reload.
type ChangeCallback func(Tree)

// Config configures a Manager.
type Config struct {
	Parser Parser

	// SchemaType, if non-nil, is a pointer to a zero-value struct with
	// validator tags (e.g. `validate:"required,min=1"`). A reloaded tree
	// is decoded into a fresh instance of this type and validated before
	// being applied; nil disables schema validation entirely.
	SchemaType interface{}
	Validator  *validator.Validate // nil constructs validator.New()

	OnChange ChangeCallback
	Logger   *slog.Logger
}

// Manager owns the live configuration tree and its one-slot rollback
// backup.
type Manager struct {
	mu       sync.Mutex
	current  atomic.Value // Tree
	previous atomic.Value // Tree
	hasPrev  bool
	version  int64

	parser     Parser
	schemaType interface{}
	validate   *validator.Validate
	onChange   ChangeCallback
	logger     *slog.Logger
}

// New constructs a Manager with an empty initial tree.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == nil {
		cfg.Validator = validator.New()
	}
	m := &Manager{
		parser:     cfg.Parser,
		schemaType: cfg.SchemaType,
		validate:   cfg.Validator,
		onChange:   cfg.OnChange,
		logger:     cfg.Logger,
	}
	m.current.Store(Tree{})
	return m
}

// Current returns the currently active tree.
func (m *Manager) Current() Tree {
	return m.current.Load().(Tree)
}

// Version returns how many reloads have been successfully applied.
func (m *Manager) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Reload parses data with the configured Parser and, on success, validates
// it against the optional schema before applying it. On any failure the
// previously active tree is retained untouched and a wrapped
// hmrerrors.ErrConfigParse or hmrerrors.ErrConfigSchema is returned. On
// success the previous tree is moved into the one-slot rollback backup,
// the new tree becomes current, and OnChange fires with it.
func (m *Manager) Reload(data []byte) error {
	tree, err := m.parser.Parse(data)
	if err != nil {
		m.logger.Warn("config reload parse failed, retaining previous tree", "error", err)
		return hmrerrors.Wrap(hmrerrors.ErrConfigParse, "failed to parse reloaded configuration", err)
	}

	if m.schemaType != nil {
		if err := m.validateSchema(tree); err != nil {
			m.logger.Warn("config reload failed schema validation, retaining previous tree", "error", err)
			return hmrerrors.Wrap(hmrerrors.ErrConfigSchema, "reloaded configuration failed schema validation", err)
		}
	}

	m.mu.Lock()
	old := m.current.Load().(Tree)
	m.previous.Store(old)
	m.hasPrev = true
	m.current.Store(tree)
	m.version++
	m.logger.Info("config reloaded", "version", m.version)
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(tree)
	}
	return nil
}

// validateSchema decodes tree into a fresh instance of m.schemaType's
// underlying type via a JSON round trip, then runs it through the
// validator.
func (m *Manager) validateSchema(tree Tree) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return err
	}

	target := newZeroOf(m.schemaType)
	if err := json.Unmarshal(raw, target); err != nil {
		return err
	}
	return m.validate.Struct(target)
}

// newZeroOf returns a fresh pointer to the zeroed underlying type of
// schemaType, which itself must be a pointer to a struct.
func newZeroOf(schemaType interface{}) interface{} {
	t := reflect.TypeOf(schemaType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}

// Rollback swaps the current tree back to the one-slot backup. It is a
// pointer swap, mirroring ReloadCoordinator.rollback's atomic
// currentConfig.Store without re-running validation, since the backup was
// already validated when it was first applied.
func (m *Manager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasPrev {
		return hmrerrors.New(hmrerrors.CategoryConfig, hmrerrors.SeverityWarning,
			"E_CONFIG_NO_BACKUP", "no previous configuration to roll back to", nil)
	}

	prev := m.previous.Load().(Tree)
	m.current.Store(prev)
	m.version--
	m.hasPrev = false
	m.logger.Info("config rolled back", "version", m.version)

	if m.onChange != nil {
		m.onChange(prev)
	}
	return nil
}
