package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xenophobed/isa-mcp/pkg/catalog"
)

// StateFile caches the last successful enumeration per source so a restart
// with an unreachable source still serves its previous catalog. The file is
// purely an optimization: when absent, behaviour is identical but cold
// starts wait for live sources.
type StateFile struct {
	path string

	mu    sync.Mutex
	state persistedState
}

type persistedState struct {
	SavedAt time.Time                        `json:"saved_at"`
	Sources map[string][]*catalog.Capability `json:"sources"`
}

// LoadStateFile reads the cache at path; a missing or corrupt file yields an
// empty cache.
func LoadStateFile(path string) *StateFile {
	sf := &StateFile{path: path, state: persistedState{Sources: make(map[string][]*catalog.Capability)}}
	data, err := os.ReadFile(path)
	if err != nil {
		return sf
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil || st.Sources == nil {
		return sf
	}
	sf.state = st
	return sf
}

// Get returns the cached definitions for a source.
func (sf *StateFile) Get(source string) ([]*catalog.Capability, bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	caps, ok := sf.state.Sources[source]
	return caps, ok
}

// Put replaces a source's cached definitions and persists the file.
// Persistence failures are swallowed: the cache is best-effort.
func (sf *StateFile) Put(source string, caps []*catalog.Capability) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	sf.state.Sources[source] = caps
	sf.state.SavedAt = time.Now().UTC()
	_ = sf.flushLocked()
}

func (sf *StateFile) flushLocked() error {
	data, err := json.MarshalIndent(sf.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pipeline state: %w", err)
	}
	tmp := sf.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(sf.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing pipeline state: %w", err)
	}
	return os.Rename(tmp, sf.path)
}
