package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	manifestFile  = "manifest.yaml"
	pyprojectFile = "pyproject.toml"
	inlineMarker  = "# /// script"
)

// manifest is the optional per-script metadata file.
type manifest struct {
	FriendlyName string `yaml:"friendly_name"`
	Enabled      *bool  `yaml:"enabled"`
	Timeout      string `yaml:"timeout"`

	timeout time.Duration
}

func (m manifest) enabled() bool {
	return m.Enabled == nil || *m.Enabled
}

func readManifest(dir string) (manifest, error) {
	var m manifest

	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, err
	}

	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("parse %s: %w", manifestFile, err)
	}

	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil || d <= 0 {
			return manifest{Enabled: m.Enabled, FriendlyName: m.FriendlyName}, fmt.Errorf("invalid timeout %q", m.Timeout)
		}
		m.timeout = d
	}

	return m, nil
}

type pyproject struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

// readPyproject reports how many dependencies a pyproject.toml in dir
// declares and whether the file exists at all.
func readPyproject(dir string) (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, pyprojectFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, true, err
	}

	var p pyproject
	if err := toml.Unmarshal(data, &p); err != nil {
		return 0, true, err
	}

	return len(p.Project.Dependencies), true, nil
}

// hasInlineDeps looks for an inline script metadata block.
func hasInlineDeps(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == inlineMarker {
			return true
		}
	}
	return false
}
