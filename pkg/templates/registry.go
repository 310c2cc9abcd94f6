// Package templates renders the parameterized code procedures that contexts
// submit to a notebook kernel.
//
// Procedures are keyed by (toolset, kernel, name). Every toolset registers an
// fs.FS laid out as <kernel>/<name>.tmpl; an optional override directory laid
// out as <toolset>/<kernel>/<name>.tmpl takes precedence and can be watched for
// changes.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/harun/askem/internal/observability"
	"github.com/rs/zerolog"
)

// Ext is the file extension of procedure templates.
const Ext = ".tmpl"

// ErrNotFound is returned when no template exists for a key.
var ErrNotFound = errors.New("template not found")

// Key identifies a procedure template.
type Key struct {
	Toolset string `json:"toolset"`
	Kernel  string `json:"kernel"`
	Name    string `json:"name"`
}

func (k Key) String() string {
	return k.Toolset + "/" + k.Kernel + "/" + k.Name
}

// MissingValueError reports a render that referenced a variable that was not
// supplied.
type MissingValueError struct {
	Template string
	Err      error
}

func (e *MissingValueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("template %s: missing value: %v", e.Template, e.Err)
	}
	return fmt.Sprintf("template %s: missing value", e.Template)
}

func (e *MissingValueError) Unwrap() error {
	return e.Err
}

// Config configures a Registry.
type Config struct {
	OverrideDir string
	Logger      zerolog.Logger
}

// Registry resolves and renders procedure templates.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]fs.FS
	cache       map[Key]*template.Template
	overrideDir string
	logger      zerolog.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		sources:     make(map[string]fs.FS),
		cache:       make(map[Key]*template.Template),
		overrideDir: cfg.OverrideDir,
		logger:      cfg.Logger,
	}
}

// Register adds the procedures of a toolset. Registering the same toolset
// again replaces its source.
func (r *Registry) Register(toolset string, fsys fs.FS) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources[toolset] = fsys
	for key := range r.cache {
		if key.Toolset == toolset {
			delete(r.cache, key)
		}
	}
}

// OverrideDir returns the override directory, if any.
func (r *Registry) OverrideDir() string {
	return r.overrideDir
}

// Render executes the template for key with vars.
func (r *Registry) Render(toolset, kernel, name string, vars map[string]any) (string, error) {
	key := Key{Toolset: toolset, Kernel: kernel, Name: name}
	start := time.Now()

	tmpl, err := r.lookup(key)
	if err != nil {
		observability.RecordTemplateRender(toolset, name, time.Since(start), false)
		return "", err
	}

	if vars == nil {
		vars = map[string]any{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		observability.RecordTemplateRender(toolset, name, time.Since(start), false)
		if errors.Is(err, errMissing) {
			return "", &MissingValueError{Template: key.String(), Err: err}
		}
		return "", fmt.Errorf("failed to render template %s: %w", key, err)
	}

	out := buf.String()
	if strings.Contains(out, "<no value>") {
		observability.RecordTemplateRender(toolset, name, time.Since(start), false)
		return "", &MissingValueError{Template: key.String()}
	}

	observability.RecordTemplateRender(toolset, name, time.Since(start), true)
	return out, nil
}

// Has reports whether a template exists for the key.
func (r *Registry) Has(toolset, kernel, name string) bool {
	_, err := r.lookup(Key{Toolset: toolset, Kernel: kernel, Name: name})
	return err == nil
}

// List returns every registered key, sorted.
func (r *Registry) List() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Key]bool)
	for toolset, fsys := range r.sources {
		for _, key := range listFS(toolset, fsys) {
			seen[key] = true
		}
	}
	if r.overrideDir != "" {
		entries, err := os.ReadDir(r.overrideDir)
		if err == nil {
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				sub := os.DirFS(filepath.Join(r.overrideDir, entry.Name()))
				for _, key := range listFS(entry.Name(), sub) {
					seen[key] = true
				}
			}
		}
	}

	keys := make([]Key, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Invalidate drops cached templates. An empty path drops everything; otherwise
// only the template stored at path (inside the override directory) is dropped.
func (r *Registry) Invalidate(file string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if file == "" {
		clear(r.cache)
		return
	}

	key, ok := r.keyForOverride(file)
	if !ok {
		return
	}
	delete(r.cache, key)
	r.logger.Debug().Str("template", key.String()).Msg("Template cache invalidated")
}

func (r *Registry) lookup(key Key) (*template.Template, error) {
	r.mu.RLock()
	tmpl, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	text, err := r.load(key)
	if err != nil {
		return nil, err
	}

	tmpl, err = template.New(key.String()).Funcs(Funcs()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = tmpl
	r.mu.Unlock()

	return tmpl, nil
}

func (r *Registry) load(key Key) (string, error) {
	if r.overrideDir != "" {
		p := filepath.Join(r.overrideDir, key.Toolset, key.Kernel, key.Name+Ext)
		data, err := os.ReadFile(p)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to read template override %s: %w", p, err)
		}
	}

	r.mu.RLock()
	fsys, ok := r.sources[key.Toolset]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s (unknown toolset)", ErrNotFound, key)
	}

	data, err := fs.ReadFile(fsys, path.Join(key.Kernel, key.Name+Ext))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to read template %s: %w", key, err)
	}
	return string(data), nil
}

func (r *Registry) keyForOverride(file string) (Key, bool) {
	if r.overrideDir == "" {
		return Key{}, false
	}
	rel, err := filepath.Rel(r.overrideDir, file)
	if err != nil {
		return Key{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || !strings.HasSuffix(parts[2], Ext) {
		return Key{}, false
	}
	return Key{
		Toolset: parts[0],
		Kernel:  parts[1],
		Name:    strings.TrimSuffix(parts[2], Ext),
	}, true
}

func listFS(toolset string, fsys fs.FS) []Key {
	var keys []Key
	kernels, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil
	}
	for _, k := range kernels {
		if !k.IsDir() {
			continue
		}
		files, err := fs.ReadDir(fsys, k.Name())
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), Ext) {
				continue
			}
			keys = append(keys, Key{
				Toolset: toolset,
				Kernel:  k.Name(),
				Name:    strings.TrimSuffix(f.Name(), Ext),
			})
		}
	}
	return keys
}
