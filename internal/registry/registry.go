package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/metorial/prankhub/internal/logging"
)

var DefaultExtensions = []string{"py", "ps1", "sh"}

type Script struct {
	Name              string        `json:"name"`
	FriendlyName      string        `json:"friendly_name"`
	Dir               string        `json:"dir"`
	EntryPath         string        `json:"entry_path"`
	Ext               string        `json:"ext"`
	HasPyproject      bool          `json:"has_pyproject"`
	HasInlineDeps     bool          `json:"has_inline_deps"`
	DependenciesReady bool          `json:"dependencies_ready"`
	Timeout           time.Duration `json:"timeout,omitempty"`

	needsInstall bool
}

// UsesRunner reports whether the script must be launched through the
// dependency-aware runner instead of a bare interpreter.
func (s Script) UsesRunner() bool {
	return s.Ext == "py" && (s.HasPyproject || s.HasInlineDeps)
}

// Installer provisions a script's declared dependencies.
type Installer interface {
	Install(ctx context.Context, script Script) error
}

type Options struct {
	Root       string
	Extensions []string
	Installer  Installer
	Logger     logrus.FieldLogger
}

// Registry tracks the scripts available under a root directory. Each
// immediate subdirectory D holding an entry file D.<ext> is one script.
type Registry struct {
	root       string
	extensions []string
	installer  Installer
	log        *logrus.Entry

	mu      sync.RWMutex
	scripts map[string]Script
	ready   map[string]bool

	// installs keeps at most one install per script in flight; concurrent
	// callers share its outcome.
	installs singleflight.Group
}

func New(opts Options) *Registry {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	return &Registry{
		root:       opts.Root,
		extensions: exts,
		installer:  opts.Installer,
		log:        logging.Component(opts.Logger, "registry"),
		scripts:    make(map[string]Script),
		ready:      make(map[string]bool),
	}
}

func (r *Registry) Root() string {
	return r.root
}

// Discover rescans the root directory, provisions dependencies where needed
// and replaces the snapshot. It returns the sorted script names.
func (r *Registry) Discover(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if errors.Is(err, fs.ErrNotExist) {
		r.log.Warnf("Scripts directory %s does not exist", r.root)
		r.replace(map[string]Script{})
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scripts directory: %w", err)
	}

	found := make(map[string]Script)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}

		script, ok := r.inspect(e.Name())
		if !ok {
			continue
		}
		found[script.Name] = script
	}

	var failed []string
	for name, script := range found {
		script.DependenciesReady = r.provision(ctx, script)
		if !script.DependenciesReady {
			failed = append(failed, name)
		}
		found[name] = script
	}

	r.replace(found)

	names := sortedNames(found)
	sort.Strings(failed)

	r.log.Infof("Discovered %d scripts (%d dependency failures)", len(names), len(failed))
	if len(failed) > 0 {
		r.log.Warnf("Scripts that may fail at runtime: %s", strings.Join(failed, ", "))
	}

	return names, nil
}

func (r *Registry) inspect(name string) (Script, bool) {
	dir := filepath.Join(r.root, name)

	var script Script
	found := false
	for _, ext := range r.extensions {
		entry := filepath.Join(dir, name+"."+ext)
		if info, err := os.Stat(entry); err == nil && !info.IsDir() {
			script = Script{
				Name:      name,
				Dir:       dir,
				EntryPath: entry,
				Ext:       ext,
			}
			found = true
			break
		}
	}
	if !found {
		return Script{}, false
	}

	m, err := readManifest(dir)
	if err != nil {
		r.log.Warnf("Ignoring manifest for %s: %v", name, err)
	}
	if !m.enabled() {
		r.log.Debugf("Script %s is disabled", name)
		return Script{}, false
	}
	script.FriendlyName = m.FriendlyName
	if script.FriendlyName == "" {
		script.FriendlyName = Humanize(name)
	}
	script.Timeout = m.timeout

	if script.Ext == "py" {
		deps, hasPyproject, err := readPyproject(dir)
		if err != nil {
			r.log.Warnf("Could not parse pyproject.toml for %s: %v", name, err)
		}
		script.HasPyproject = hasPyproject
		script.HasInlineDeps = hasInlineDeps(script.EntryPath)
		// Unparseable manifests are treated as declaring dependencies.
		script.needsInstall = (hasPyproject && (deps > 0 || err != nil)) || script.HasInlineDeps
	}

	return script, true
}

func (r *Registry) provision(ctx context.Context, script Script) bool {
	if !script.needsInstall {
		return true
	}

	r.mu.RLock()
	cached := r.ready[script.Name]
	r.mu.RUnlock()
	if cached {
		return true
	}

	if r.installer == nil {
		return false
	}

	v, _, _ := r.installs.Do(script.Name, func() (interface{}, error) {
		r.mu.RLock()
		done := r.ready[script.Name]
		r.mu.RUnlock()
		if done {
			return true, nil
		}

		if err := r.installer.Install(ctx, script); err != nil {
			r.log.WithField("script", script.Name).Warnf("Dependency install failed: %v", err)
			return false, nil
		}

		r.mu.Lock()
		r.ready[script.Name] = true
		r.mu.Unlock()
		return true, nil
	})

	return v.(bool)
}

func (r *Registry) replace(scripts map[string]Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = scripts
}

// EnsureDependencies retries the dependency install for a script that is not
// ready yet. It reports the resulting readiness.
func (r *Registry) EnsureDependencies(ctx context.Context, name string) bool {
	script, ok := r.Lookup(name)
	if !ok {
		return false
	}
	if script.DependenciesReady {
		return true
	}

	ready := r.provision(ctx, script)

	r.mu.Lock()
	if current, ok := r.scripts[name]; ok {
		current.DependenciesReady = ready
		r.scripts[name] = current
	}
	r.mu.Unlock()

	return ready
}

func (r *Registry) Lookup(name string) (Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[name]
	return s, ok
}

// Snapshot returns the scripts from the last discovery pass, sorted by name.
func (r *Registry) Snapshot() []Script {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Script, 0, len(r.scripts))
	for _, name := range sortedNames(r.scripts) {
		out = append(out, r.scripts[name])
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.scripts)
}

func sortedNames(scripts map[string]Script) []string {
	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Humanize turns a script key such as "screen_rotate" into "Screen Rotate".
func Humanize(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
