package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/xenophobed/isa-mcp/internal/config"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
)

// Rejection records one definition that could not be used, with enough
// context to fix the source.
type Rejection struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Source enumerates capability candidates. Parse failures are returned as
// rejections, never as errors: one bad definition must not sink a source.
// The error return is reserved for the source being entirely unreachable.
type Source interface {
	Name() string
	Enumerate(ctx context.Context) ([]*catalog.Capability, []Rejection, error)
}

// BuildSources converts the discovery config into Source values.
func BuildSources(dc *config.DiscoveryConfig, manifestTimeout time.Duration) ([]Source, error) {
	out := make([]Source, 0, len(dc.Sources))
	for i, sc := range dc.Sources {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("source-%d", i)
		}
		switch {
		case sc.ModuleScan != nil:
			out = append(out, &ModuleScanSource{name: name, cfg: *sc.ModuleScan})
		case sc.RemoteManifest != nil:
			out = append(out, &RemoteManifestSource{
				name:       name,
				cfg:        *sc.RemoteManifest,
				httpClient: &http.Client{Timeout: manifestTimeout},
			})
		case len(sc.ExplicitList) > 0:
			src, err := NewExplicitSource(name, sc.ExplicitList)
			if err != nil {
				return nil, err
			}
			out = append(out, src)
		}
	}
	return out, nil
}

// ExplicitSource serves capability envelopes declared inline in config.
type ExplicitSource struct {
	name string
	raw  []byte
}

// NewExplicitSource captures the inline envelope list.
func NewExplicitSource(name string, entries []map[string]any) (*ExplicitSource, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encoding explicit list for %s: %w", name, err)
	}
	return &ExplicitSource{name: name, raw: raw}, nil
}

func (s *ExplicitSource) Name() string { return s.name }

func (s *ExplicitSource) Enumerate(context.Context) ([]*catalog.Capability, []Rejection, error) {
	caps, rejected := decodeEnvelopes(s.raw, "explicit:"+s.name)
	return caps, rejected, nil
}

// ModuleScanSource enumerates local capability definition files (JSON, one
// envelope or an array per file) under the configured roots.
type ModuleScanSource struct {
	name string
	cfg  config.ModuleScanConfig
}

func (s *ModuleScanSource) Name() string { return s.name }

func (s *ModuleScanSource) Enumerate(ctx context.Context) ([]*catalog.Capability, []Rejection, error) {
	var caps []*catalog.Capability
	var rejected []Rejection

	for _, root := range s.cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				rejected = append(rejected, Rejection{Source: path, Reason: err.Error()})
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			if !s.include(d.Name()) {
				return nil
			}

			data, err := os.ReadFile(path)
			if err != nil {
				rejected = append(rejected, Rejection{Source: path, Reason: fmt.Sprintf("reading file: %v", err)})
				return nil
			}
			fileCaps, fileRejected := decodeEnvelopes(data, "file://"+path)
			caps = append(caps, fileCaps...)
			rejected = append(rejected, fileRejected...)
			return nil
		})
		if err != nil {
			return caps, rejected, fmt.Errorf("scanning %s: %w", root, err)
		}
	}
	return caps, rejected, nil
}

// include applies the include/exclude glob patterns to a file name.
func (s *ModuleScanSource) include(name string) bool {
	include := s.cfg.IncludePattern
	if include == "" {
		include = "*.json"
	}
	if ok, _ := filepath.Match(include, name); !ok {
		return false
	}
	if s.cfg.ExcludePattern != "" {
		if ok, _ := filepath.Match(s.cfg.ExcludePattern, name); ok {
			return false
		}
	}
	return true
}

// RemoteManifestSource fetches capability envelopes from an HTTP manifest.
type RemoteManifestSource struct {
	name       string
	cfg        config.RemoteManifestConfig
	httpClient *http.Client
}

func (s *RemoteManifestSource) Name() string { return s.name }

func (s *RemoteManifestSource) Enumerate(ctx context.Context) ([]*catalog.Capability, []Rejection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building manifest request: %w", err)
	}
	if s.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", s.cfg.AuthHeader)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching manifest %s: %w", s.cfg.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("manifest %s returned HTTP %d", s.cfg.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("reading manifest body: %w", err)
	}

	caps, rejected := decodeEnvelopes(data, s.cfg.URL)
	return caps, rejected, nil
}

// manifestEnvelope accepts either a bare array of envelopes or an object
// wrapping them under "capabilities".
type manifestEnvelope struct {
	Capabilities []json.RawMessage `json:"capabilities"`
}

// decodeEnvelopes parses one or more capability envelopes, collecting
// rejections per entry instead of failing the batch.
func decodeEnvelopes(data []byte, source string) ([]*catalog.Capability, []Rejection) {
	var entries []json.RawMessage

	trimmed := firstByte(data)
	switch trimmed {
	case '[':
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, []Rejection{{Source: source, Reason: fmt.Sprintf("invalid JSON array: %v", err)}}
		}
	case '{':
		var wrapper manifestEnvelope
		if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Capabilities) > 0 {
			entries = wrapper.Capabilities
		} else {
			entries = []json.RawMessage{data}
		}
	default:
		return nil, []Rejection{{Source: source, Reason: "definition is not a JSON object or array"}}
	}

	var caps []*catalog.Capability
	var rejected []Rejection
	for i, raw := range entries {
		var c catalog.Capability
		if err := json.Unmarshal(raw, &c); err != nil {
			rejected = append(rejected, Rejection{
				Source: fmt.Sprintf("%s#%d", source, i),
				Reason: fmt.Sprintf("decoding envelope: %v", err),
			})
			continue
		}
		if c.Source == "" {
			c.Source = source
		}
		if err := c.Validate(); err != nil {
			rejected = append(rejected, Rejection{
				Source: fmt.Sprintf("%s#%d", source, i),
				Reason: err.Error(),
			})
			continue
		}
		caps = append(caps, &c)
	}
	return caps, rejected
}

func firstByte(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
