package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/metrics"
)

// DefaultNodeCount is assumed when a template's total is not recorded in
// the mapping table.
const DefaultNodeCount = 20

// StoreOptions selects the backing mode once at startup.
type StoreOptions struct {
	Dir          string // local mode: one <id>.json per template
	MappingsPath string // local mode: shared mapping file
	Origin       string // remote mode: base URL serving workflows/<id>.json
	Remote       bool
	CacheEnabled bool // local mode only; remote results are always cached
	Timeout      time.Duration
}

// Store resolves template ids to graphs and parameter mappings from local
// files or a remote origin. Remote fetches cache successful results
// indefinitely; the cache is dropped only by Reset or a mapping reload.
type Store struct {
	mu       sync.RWMutex
	opts     StoreOptions
	client   *http.Client
	cache    map[string]Template
	mappings map[string]Mapping
	logger   *zap.Logger
}

// NewStore builds a store; Init must be called before Resolve.
func NewStore(opts StoreOptions, logger *zap.Logger) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Store{
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		cache:    make(map[string]Template),
		mappings: make(map[string]Mapping),
		logger:   logger,
	}
}

// Init loads the mapping table. In remote mode it optionally prefetches
// every workflow the table names.
func (s *Store) Init(preload bool) error {
	if s.opts.Remote {
		mappings, err := s.fetchRemoteMappings()
		if err != nil {
			s.logger.Warn("Remote mapping fetch failed, starting with empty table", zap.Error(err))
			mappings = map[string]Mapping{}
		}
		s.mu.Lock()
		s.mappings = mappings
		s.mu.Unlock()
		if preload {
			s.Preload()
		}
		return nil
	}
	return s.ReloadMappings(s.opts.MappingsPath)
}

// ReloadMappings re-reads the local mapping file. Used at startup and by
// the file watcher.
func (s *Store) ReloadMappings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("Mapping file unavailable", zap.String("path", path), zap.Error(err))
		return err
	}
	var mf MappingsFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("parse mapping file %s: %w", path, err)
	}
	s.mu.Lock()
	s.mappings = mf.WorkflowMappings
	s.mu.Unlock()
	s.logger.Info("Workflow mappings loaded",
		zap.String("path", path),
		zap.Int("workflows", len(mf.WorkflowMappings)))
	return nil
}

// Resolve returns the template graph and its parameter mapping, or
// ErrNotFound when the id is unknown or the remote fetch fails.
func (s *Store) Resolve(id string) (Template, Mapping, error) {
	s.mu.RLock()
	mapping := s.mappings[id]
	tpl, cached := s.cache[id]
	s.mu.RUnlock()

	if cached && (s.opts.Remote || s.opts.CacheEnabled) {
		metrics.WorkflowCacheHits.Inc()
		return tpl, mapping, nil
	}
	metrics.WorkflowCacheMisses.Inc()

	var (
		loaded Template
		err    error
	)
	if s.opts.Remote {
		loaded, err = s.fetchRemoteTemplate(id)
	} else {
		loaded, err = s.loadLocalTemplate(id)
	}
	if err != nil {
		return nil, Mapping{}, err
	}

	if s.opts.Remote || s.opts.CacheEnabled {
		s.mu.Lock()
		s.cache[id] = loaded
		s.mu.Unlock()
	}
	return loaded, mapping, nil
}

// NodeCount returns the mapped total node count for id, falling back to
// DefaultNodeCount when unknown.
func (s *Store) NodeCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.mappings[id]; ok && m.NodeCount > 0 {
		return m.NodeCount
	}
	return DefaultNodeCount
}

// Preload fetches every workflow named in the mapping table (remote mode).
func (s *Store) Preload() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.mappings))
	for id := range s.mappings {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		if _, _, err := s.Resolve(id); err != nil {
			s.logger.Warn("Preload failed", zap.String("workflow_id", id), zap.Error(err))
		}
	}
}

// Reset drops every cached template. Admin-triggered; the cache is never
// invalidated automatically.
func (s *Store) Reset() {
	s.mu.Lock()
	s.cache = make(map[string]Template)
	s.mu.Unlock()
	s.logger.Info("Workflow cache cleared")
}

func (s *Store) loadLocalTemplate(id string) (Template, error) {
	path := filepath.Join(s.opts.Dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("Workflow file missing", zap.String("path", path))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", id, err)
	}
	return tpl, nil
}

func (s *Store) fetchRemoteTemplate(id string) (Template, error) {
	url := s.originURL(fmt.Sprintf("/workflows/%s.json", id))
	var tpl Template
	if err := s.getJSON(url, &tpl); err != nil {
		s.logger.Error("Remote workflow fetch failed",
			zap.String("workflow_id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tpl, nil
}

func (s *Store) fetchRemoteMappings() (map[string]Mapping, error) {
	url := s.originURL("/workflow_mappings.json")
	var mf MappingsFile
	if err := s.getJSON(url, &mf); err != nil {
		return nil, err
	}
	return mf.WorkflowMappings, nil
}

func (s *Store) getJSON(url string, out interface{}) error {
	resp, err := s.client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (s *Store) originURL(path string) string {
	origin := strings.TrimRight(s.opts.Origin, "/")
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		origin = "https://" + origin
	}
	return origin + path
}
