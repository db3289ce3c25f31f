package liveconfig

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

type jsonParser struct{}

func (jsonParser) Parse(data []byte) (Tree, error) {
	var tree Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

type failingParser struct{ err error }

func (f failingParser) Parse(data []byte) (Tree, error) { return nil, f.err }

func TestReloadAppliesNewTreeAndFiresCallback(t *testing.T) {
	var got Tree
	m := New(Config{Parser: jsonParser{}, OnChange: func(tr Tree) { got = tr }})

	err := m.Reload([]byte(`{"timeout_ms": 500, "name": "physics"}`))
	require.NoError(t, err)
	assert.Equal(t, float64(500), m.Current()["timeout_ms"])
	assert.Equal(t, "physics", got["name"])
	assert.Equal(t, int64(1), m.Version())
}

func TestReloadRetainsPreviousTreeOnParseFailure(t *testing.T) {
	m := New(Config{Parser: jsonParser{}})
	require.NoError(t, m.Reload([]byte(`{"name": "v1"}`)))

	bad := New(Config{Parser: failingParser{err: errors.New("unexpected token")}})
	bad.current.Store(m.Current())

	err := bad.Reload([]byte(`not json`))
	require.Error(t, err)
	assert.ErrorIs(t, err, hmrerrors.ErrConfigParse)
	assert.Equal(t, "v1", bad.Current()["name"])
}

func TestRollbackSwapsBackToPreviousTree(t *testing.T) {
	m := New(Config{Parser: jsonParser{}})
	require.NoError(t, m.Reload([]byte(`{"name": "v1"}`)))
	require.NoError(t, m.Reload([]byte(`{"name": "v2"}`)))
	assert.Equal(t, "v2", m.Current()["name"])

	require.NoError(t, m.Rollback())
	assert.Equal(t, "v1", m.Current()["name"])
	assert.Equal(t, int64(1), m.Version())
}

func TestRollbackWithoutPriorReloadFails(t *testing.T) {
	m := New(Config{Parser: jsonParser{}})
	err := m.Rollback()
	assert.Error(t, err)
}

type schema struct {
	Timeout int    `json:"timeout_ms" validate:"required,min=1"`
	Name    string `json:"name" validate:"required"`
}

func TestReloadRejectsTreeFailingSchemaValidation(t *testing.T) {
	m := New(Config{Parser: jsonParser{}, SchemaType: &schema{}})
	require.NoError(t, m.Reload([]byte(`{"timeout_ms": 10, "name": "ok"}`)))

	err := m.Reload([]byte(`{"timeout_ms": 0}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, hmrerrors.ErrConfigSchema)
	assert.Equal(t, "ok", m.Current()["name"])
}

func TestReloadAppliesTreePassingSchemaValidation(t *testing.T) {
	m := New(Config{Parser: jsonParser{}, SchemaType: &schema{}})
	err := m.Reload([]byte(`{"timeout_ms": 250, "name": "physics"}`))
	require.NoError(t, err)
	assert.Equal(t, "physics", m.Current()["name"])
}
