// ABOUTME: Auto-detection of path mappings from editor and compose files.
// ABOUTME: launch.json (JSONC) and docker-compose volumes are consulted.

package pathmap

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// loadLaunchConfig parses .vscode/launch.json, tolerating comments and
// trailing commas, and extracts pathMappings from a PHP debug entry.
// The launch.json convention maps remote → local.
func loadLaunchConfig(root string, logger *zap.Logger) []Mapping {
	data, err := os.ReadFile(filepath.Join(root, ".vscode", "launch.json"))
	if err != nil {
		return nil
	}

	doc := gjson.ParseBytes(jsonc.ToJSON(data))
	var mappings []Mapping
	doc.Get("configurations").ForEach(func(_, cfg gjson.Result) bool {
		if cfg.Get("type").String() != "php" {
			return true
		}
		pm := cfg.Get("pathMappings")
		if !pm.Exists() {
			return true
		}
		pm.ForEach(func(remote, local gjson.Result) bool {
			localPath := local.String()
			// ${workspaceFolder} is the editor's name for the project root.
			localPath = strings.ReplaceAll(localPath, "${workspaceFolder}", root)
			mappings = append(mappings, Mapping{
				Local:  Normalize(localPath),
				Remote: Normalize(remote.String()),
			})
			return true
		})
		return len(mappings) == 0
	})

	if len(mappings) > 0 {
		logger.Debug("path mappings detected from launch.json",
			zap.Int("count", len(mappings)))
	}
	return sanitize(mappings)
}

var composeFilenames = []string{
	"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml",
}

type composeFile struct {
	Services map[string]struct {
		Volumes []any `yaml:"volumes"`
	} `yaml:"services"`
}

// loadComposeVolumes parses a compose file's service volumes into mappings.
// Named volumes and system-level mounts are filtered out.
func loadComposeVolumes(root string, logger *zap.Logger) []Mapping {
	var data []byte
	for _, name := range composeFilenames {
		if b, err := os.ReadFile(filepath.Join(root, name)); err == nil {
			data = b
			break
		}
	}
	if data == nil {
		return nil
	}

	var compose composeFile
	if err := yaml.Unmarshal(data, &compose); err != nil {
		logger.Warn("unparseable compose file", zap.Error(err))
		return nil
	}

	var mappings []Mapping
	for _, svc := range compose.Services {
		for _, vol := range svc.Volumes {
			entry := volumeEntry(vol)
			if entry == "" {
				continue
			}
			local, remote, ok := splitVolume(entry)
			if !ok {
				continue
			}
			if isNamedVolume(local) || isSystemMount(local, remote) {
				continue
			}
			if !strings.HasPrefix(local, "/") {
				local = joinPath(root, Normalize(local))
			}
			mappings = append(mappings, Mapping{Local: Normalize(local), Remote: Normalize(remote)})
		}
	}

	if len(mappings) > 0 {
		logger.Debug("path mappings detected from compose file",
			zap.Int("count", len(mappings)))
	}
	return sanitize(mappings)
}

// volumeEntry extracts the short string syntax; long (map) syntax entries
// carry source/target keys.
func volumeEntry(vol any) string {
	switch v := vol.(type) {
	case string:
		return v
	case map[string]any:
		src, _ := v["source"].(string)
		dst, _ := v["target"].(string)
		if src != "" && dst != "" {
			return src + ":" + dst
		}
	}
	return ""
}

// splitVolume splits "local:remote[:mode]" on the first two colons.
func splitVolume(entry string) (local, remote string, ok bool) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// isNamedVolume reports a docker named volume (no path component).
func isNamedVolume(local string) bool {
	return !strings.HasPrefix(local, "/") &&
		!strings.HasPrefix(local, "./") &&
		!strings.HasPrefix(local, "../") &&
		local != "."
}

// isSystemMount filters mounts that are plumbing rather than source code.
func isSystemMount(local, remote string) bool {
	for _, prefix := range []string{"/var/run/", "/etc/", "/proc/", "/sys/", "/dev/"} {
		if strings.HasPrefix(local, prefix) || strings.HasPrefix(remote, prefix) {
			return true
		}
	}
	return local == "/var/run" || remote == "/var/run"
}
