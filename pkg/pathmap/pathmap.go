// ABOUTME: Bidirectional local/remote path translation for the bridge.
// ABOUTME: Longest-prefix matching over an ordered mapping list.

// Package pathmap translates between the local (host) and remote
// (containerized interpreter) filesystem namespaces.
package pathmap

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Mapping pairs a local path prefix with its remote counterpart. Both sides
// are normalized absolute paths with forward slashes and no trailing
// separator.
type Mapping struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// DefaultRemoteRoot is the remote prefix synthesized when no explicit or
// auto-detected mapping exists.
const DefaultRemoteRoot = "/var/www/html"

// Mapper holds the active mapping list. Read-mostly after Load; mutation
// only happens on reload, which replaces the list atomically.
type Mapper struct {
	root   string
	logger *zap.Logger

	mu       sync.RWMutex
	mappings []Mapping
}

// NewMapper creates a mapper rooted at the project directory. The root is
// the base for resolving relative local paths.
func NewMapper(projectRoot string, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{root: Normalize(projectRoot), logger: logger}
}

// Load resolves the mapping list by precedence: explicit mappings, then the
// editor launch configuration, then compose file volumes, then the default
// (project_root, /var/www/html) pair. Always leaves a non-empty list.
func (m *Mapper) Load(explicit []Mapping) {
	mappings := sanitize(explicit)

	if len(mappings) == 0 {
		mappings = loadLaunchConfig(m.root, m.logger)
	}
	if len(mappings) == 0 {
		mappings = loadComposeVolumes(m.root, m.logger)
	}
	if len(mappings) == 0 {
		mappings = []Mapping{{Local: m.root, Remote: DefaultRemoteRoot}}
		m.logger.Debug("no path mappings found, using default",
			zap.String("local", m.root), zap.String("remote", DefaultRemoteRoot))
	}

	// Longest remote prefix first so translation is a first-match scan.
	sort.SliceStable(mappings, func(i, j int) bool {
		return len(mappings[i].Remote) > len(mappings[j].Remote)
	})

	m.mu.Lock()
	m.mappings = mappings
	m.mu.Unlock()
	m.logger.Info("path mappings loaded", zap.Int("count", len(mappings)))
}

// Mappings returns a copy of the active list.
func (m *Mapper) Mappings() []Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Mapping, len(m.mappings))
	copy(out, m.mappings)
	return out
}

// Loaded reports whether Load has produced a mapping list.
func (m *Mapper) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings) > 0
}

// ToLocal translates a remote path (or file URI) into the local namespace.
// The mapping with the longest matching remote prefix wins; an unmatched
// path is returned normalized but otherwise unchanged.
func (m *Mapper) ToLocal(remote string) string {
	p := Normalize(decodeFileURI(remote))

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mapping := range m.mappings {
		if suffix, ok := matchPrefix(p, mapping.Remote); ok {
			return joinPath(mapping.Local, suffix)
		}
	}
	return p
}

// ToRemote translates a local path into the remote namespace. Relative
// paths resolve against the project root first. An unmatched path is
// returned unchanged.
func (m *Mapper) ToRemote(local string) string {
	p := Normalize(local)
	if !strings.HasPrefix(p, "/") {
		p = joinPath(m.root, p)
	}

	m.mu.RLock()
	mappings := m.mappings
	m.mu.RUnlock()

	// Longest local prefix wins here, independent of the remote-sorted order.
	best := -1
	bestLen := -1
	for i, mapping := range mappings {
		if _, ok := matchPrefix(p, mapping.Local); ok && len(mapping.Local) > bestLen {
			best = i
			bestLen = len(mapping.Local)
		}
	}
	if best < 0 {
		return local
	}
	suffix, _ := matchPrefix(p, mappings[best].Local)
	return joinPath(mappings[best].Remote, suffix)
}

// Normalize collapses . and .. segments, unifies separators to forward
// slashes, and strips a trailing separator without ever stripping the root.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return ""
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// matchPrefix reports whether p equals prefix or lives under it, returning
// the remaining suffix. Empty prefixes never match.
func matchPrefix(p, prefix string) (string, bool) {
	if prefix == "" {
		return "", false
	}
	if p == prefix {
		return "", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):], true
	}
	return "", false
}

func joinPath(base, suffix string) string {
	if suffix == "" {
		return base
	}
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}

func decodeFileURI(p string) string {
	if !strings.HasPrefix(p, "file://") {
		return p
	}
	rest := strings.TrimPrefix(p, "file://")
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return rest
	}
	return decoded
}

// sanitize normalizes explicit mappings and drops entries with an empty side.
func sanitize(in []Mapping) []Mapping {
	out := make([]Mapping, 0, len(in))
	for _, mp := range in {
		local := Normalize(mp.Local)
		remote := Normalize(mp.Remote)
		if local == "" || remote == "" {
			continue
		}
		out = append(out, Mapping{Local: local, Remote: remote})
	}
	return out
}
