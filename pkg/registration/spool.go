package registration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/topology/pkg/config"
	"github.com/openfroyo/topology/pkg/engine"
)

// WriteHost drops a host registration document into the spool.
func WriteHost(spoolDir string, host engine.Host) (string, error) {
	if host.Name == "" {
		return "", fmt.Errorf("host name is required")
	}
	data, err := yaml.Marshal(struct {
		Name       string            `yaml:"name"`
		Attributes map[string]string `yaml:"attributes,omitempty"`
	}{host.Name, host.Attributes})
	if err != nil {
		return "", fmt.Errorf("failed to encode host %s: %w", host.Name, err)
	}
	return writeSpoolFile(filepath.Join(spoolDir, HostsDir), fileName(host.Name)+".yaml", data)
}

// RemoveHost deletes a host registration document from the spool.
func RemoveHost(spoolDir, name string) error {
	path := filepath.Join(spoolDir, HostsDir, fileName(name)+".yaml")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove host %s: %w", name, err)
	}
	return nil
}

// SubmitFile copies a request or blueprint document into the spool
// subdirectory sub. The document keeps its base name and format.
func SubmitFile(spoolDir, sub, path string) (string, error) {
	if _, err := config.DetectFormat(path); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return writeSpoolFile(filepath.Join(spoolDir, sub), filepath.Base(path), data)
}

// writeSpoolFile writes data to a temporary file and renames it into
// place so the watcher never sees a partial document.
func writeSpoolFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write spool file: %w", err)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to publish spool file: %w", err)
	}
	return target, nil
}

func fileName(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}
