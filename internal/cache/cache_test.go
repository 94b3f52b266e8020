package cache

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamdash/api/internal/codec"
)

type recordingNotifier struct {
	notices []string
}

func (n *recordingNotifier) Notice(message string) { n.notices = append(n.notices, message) }

func newTestCache() *Cache {
	return New(codec.DefaultSections(), nil)
}

func TestGet_DefaultsToEmpty(t *testing.T) {
	c := newTestCache()

	v, err := c.Get("papers")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(v))
	assert.False(t, c.Hydrated("papers"))

	_, err = c.Get("bogus")
	assert.ErrorIs(t, err, codec.ErrUnknownSection)
	assert.ErrorIs(t, c.Set("bogus", json.RawMessage(`[]`)), codec.ErrUnknownSection)
}

func TestHydrate_OnlyTouchesPresentSections(t *testing.T) {
	c := newTestCache()
	require.NoError(t, c.Set("todos", json.RawMessage(`[{"id":1}]`)))
	require.NoError(t, c.Set("papers", json.RawMessage(`[{"id":2}]`)))

	changed := c.Hydrate(map[string]json.RawMessage{
		"papers": json.RawMessage(`[{"id":3}]`),
	})
	assert.Equal(t, []string{"papers"}, changed)

	todos, _ := c.Get("todos")
	papers, _ := c.Get("papers")
	assert.JSONEq(t, `[{"id":1}]`, string(todos))
	assert.JSONEq(t, `[{"id":3}]`, string(papers))
	assert.True(t, c.Hydrated("papers"))
	assert.False(t, c.Hydrated("todos"))
}

func TestHydrate_SkipsMalformedAndUnknown(t *testing.T) {
	c := newTestCache()
	require.NoError(t, c.Set("todos", json.RawMessage(`[{"id":1}]`)))

	changed := c.Hydrate(map[string]json.RawMessage{
		"todos":   json.RawMessage(`{"not":"a list"}`),
		"mystery": json.RawMessage(`[]`),
	})
	assert.Empty(t, changed)

	todos, _ := c.Get("todos")
	assert.JSONEq(t, `[{"id":1}]`, string(todos))
}

func TestHydrate_IdenticalValueReportsNoChange(t *testing.T) {
	c := newTestCache()
	require.NoError(t, c.Set("todos", json.RawMessage(`[{"id":1}]`)))

	assert.Empty(t, c.Hydrate(map[string]json.RawMessage{"todos": json.RawMessage(`[{"id":1}]`)}))
	assert.True(t, c.Hydrated("todos"))
}

func TestSendState(t *testing.T) {
	c := newTestCache()
	assert.Equal(t, Confirmed, c.State(7))

	c.SetState(7, Sending)
	assert.Equal(t, Sending, c.State(7))
	c.SetState(7, Failed)
	assert.Equal(t, "failed", c.State(7).String())
	c.SetState(7, Confirmed)
	assert.Equal(t, Confirmed, c.State(7))
}

func TestSeedAndPersist_RoundTrip(t *testing.T) {
	d := NewMemoryDurable()
	c := newTestCache()
	require.NoError(t, c.Set("papers", json.RawMessage(`[{"id":10,"title":"Attention"}]`)))
	require.NoError(t, c.Persist(d, "mina", 42))

	fresh := newTestCache()
	version, err := fresh.Seed(d, "mina", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), version)

	papers, _ := fresh.Get("papers")
	assert.JSONEq(t, `[{"id":10,"title":"Attention"}]`, string(papers))
	assert.True(t, fresh.Hydrated("papers"))
}

func TestSeed_CorruptBlobIsInvalidatedOnce(t *testing.T) {
	d := NewMemoryDurable()
	require.NoError(t, d.Store(SnapshotKey("mina"), []byte(`{"version":`)))
	n := &recordingNotifier{}

	c := newTestCache()
	version, err := c.Seed(d, "mina", n)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Len(t, n.notices, 1)

	_, ok, _ := d.Load(SnapshotKey("mina"))
	assert.False(t, ok, "corrupt snapshot should be removed")

	// A second start sees no snapshot and raises no further notice.
	_, err = newTestCache().Seed(d, "mina", n)
	require.NoError(t, err)
	assert.Len(t, n.notices, 1)
}

func TestSQLiteDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	d, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	_, ok, err := d.Load("k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Store("k", []byte("one")))
	require.NoError(t, d.Store("k", []byte("two")))
	v, ok, err := d.Load("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", string(v))

	require.NoError(t, d.Delete("k"))
	_, ok, err = d.Load("k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Reopening keeps previously stored values.
	require.NoError(t, d.Store("persist", []byte("yes")))
	require.NoError(t, d.Close())
	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	v, ok, err = reopened.Load("persist")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "yes", string(v))
}
