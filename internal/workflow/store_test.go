package workflow

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeLocalFixtures(t *testing.T) (dir, mappings string) {
	t.Helper()
	dir = t.TempDir()
	tpl := `{"3":{"class_type":"KSampler","inputs":{"steps":20}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "txt2img.json"), []byte(tpl), 0o644))

	mappings = filepath.Join(dir, "workflow_mappings.json")
	body := `{"workflow_mappings":{"txt2img":{"node_count":7,"param_mappings":{"steps":["3","inputs","steps"]}}}}`
	require.NoError(t, os.WriteFile(mappings, []byte(body), 0o644))
	return dir, mappings
}

func TestStore_ResolvesLocalTemplateWithMapping(t *testing.T) {
	dir, mappings := writeLocalFixtures(t)
	s := NewStore(StoreOptions{Dir: dir, MappingsPath: mappings}, zap.NewNop())
	require.NoError(t, s.Init(false))

	tpl, mapping, err := s.Resolve("txt2img")
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.NodeCount())
	assert.Equal(t, 7, mapping.NodeCount)
	assert.Contains(t, mapping.ParamMappings, "steps")
}

func TestStore_UnknownTemplateIsNotFound(t *testing.T) {
	dir, mappings := writeLocalFixtures(t)
	s := NewStore(StoreOptions{Dir: dir, MappingsPath: mappings}, zap.NewNop())
	require.NoError(t, s.Init(false))

	_, _, err := s.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_NodeCountFallsBackToDefault(t *testing.T) {
	dir, mappings := writeLocalFixtures(t)
	s := NewStore(StoreOptions{Dir: dir, MappingsPath: mappings}, zap.NewNop())
	require.NoError(t, s.Init(false))

	assert.Equal(t, 7, s.NodeCount("txt2img"))
	assert.Equal(t, DefaultNodeCount, s.NodeCount("unmapped"))
}

func TestStore_LocalCacheSurvivesFileRemoval(t *testing.T) {
	dir, mappings := writeLocalFixtures(t)
	s := NewStore(StoreOptions{Dir: dir, MappingsPath: mappings, CacheEnabled: true}, zap.NewNop())
	require.NoError(t, s.Init(false))

	_, _, err := s.Resolve("txt2img")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "txt2img.json")))

	_, _, err = s.Resolve("txt2img")
	assert.NoError(t, err, "cached template should resolve after the file is gone")

	s.Reset()
	_, _, err = s.Resolve("txt2img")
	assert.ErrorIs(t, err, ErrNotFound, "reset drops the cache")
}

func TestStore_RemoteFetchAndCaching(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/workflow_mappings.json":
			w.Write([]byte(`{"workflow_mappings":{"img2img":{"node_count":4,"param_mappings":{}}}}`))
		case "/workflows/img2img.json":
			fetches++
			w.Write([]byte(`{"5":{"class_type":"VAEDecode","inputs":{}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewStore(StoreOptions{Origin: srv.URL, Remote: true}, zap.NewNop())
	require.NoError(t, s.Init(false))

	for i := 0; i < 3; i++ {
		tpl, _, err := s.Resolve("img2img")
		require.NoError(t, err)
		assert.Equal(t, 1, tpl.NodeCount())
	}
	assert.Equal(t, 1, fetches, "remote results are cached after the first fetch")

	_, _, err := s.Resolve("nope")
	assert.ErrorIs(t, err, ErrNotFound, "remote fetch failure reads as not found")
}

func TestStore_ReloadMappingsPicksUpChanges(t *testing.T) {
	dir, mappings := writeLocalFixtures(t)
	s := NewStore(StoreOptions{Dir: dir, MappingsPath: mappings}, zap.NewNop())
	require.NoError(t, s.Init(false))
	assert.Equal(t, 7, s.NodeCount("txt2img"))

	updated := `{"workflow_mappings":{"txt2img":{"node_count":11,"param_mappings":{}}}}`
	require.NoError(t, os.WriteFile(mappings, []byte(updated), 0o644))
	require.NoError(t, s.ReloadMappings(mappings))
	assert.Equal(t, 11, s.NodeCount("txt2img"))
}
