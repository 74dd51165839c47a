// Package launcher spawns agent child processes and loads the persona
// prompts they start with.
package launcher

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiswarm/swarmd/internal/cachemanager"
	"github.com/aiswarm/swarmd/internal/log"
	"github.com/aiswarm/swarmd/internal/watcher"
)

//go:embed personas
var defaultPersonas embed.FS

// ErrPersonaNotFound indicates no persona file exists for the requested id.
var ErrPersonaNotFound = errors.New("persona not found")

const personaCacheTTL = 5 * time.Minute

// Persona is a loaded persona definition: the routing tag agents register
// under plus the prompt their process starts with.
type Persona struct {
	ID     string // file basename without .md
	Name   string // display name from front matter, falls back to ID
	Model  string // default model from front matter, may be empty
	Prompt string // markdown body
}

// personaMeta is the YAML front matter of a persona file.
type personaMeta struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

// PersonaLoader loads persona definitions. Files in the override directory
// shadow the embedded defaults by id.
type PersonaLoader struct {
	overrideDir string
	cache       *cachemanager.ReadThroughCache[string, Persona, string]
	manager     cachemanager.CacheManager[string, Persona]
	watch       *watcher.Watcher
	done        chan struct{}
}

// NewPersonaLoader creates a loader reading overrides from overrideDir.
// overrideDir may be empty or missing; embedded personas still resolve.
func NewPersonaLoader(overrideDir string) *PersonaLoader {
	l := &PersonaLoader{
		overrideDir: overrideDir,
		done:        make(chan struct{}),
	}
	l.manager = cachemanager.NewInMemoryCacheManager[string, Persona](
		"personas", personaCacheTTL, cachemanager.DefaultCleanupInterval)
	l.cache = cachemanager.NewReadThroughCache(l.manager, l.read, false)
	return l
}

// Watch starts invalidating the cache when persona files change on disk.
// A missing override directory is not an error; there is nothing to watch.
func (l *PersonaLoader) Watch() error {
	if l.overrideDir == "" {
		return nil
	}
	if _, err := os.Stat(l.overrideDir); err != nil {
		return nil
	}

	w, err := watcher.New(watcher.DefaultConfig(l.overrideDir))
	if err != nil {
		return fmt.Errorf("failed to create persona watcher: %w", err)
	}

	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return fmt.Errorf("failed to watch persona directory: %w", err)
	}
	l.watch = w

	log.SafeGo("persona-watcher", func() {
		for {
			select {
			case _, ok := <-changes:
				if !ok {
					return
				}
				log.Debug(log.CatCache, "persona directory changed, flushing cache")
				_ = l.manager.Flush(context.Background())
			case <-l.done:
				return
			}
		}
	})

	return nil
}

// Close stops the override directory watcher.
func (l *PersonaLoader) Close() {
	close(l.done)
	if l.watch != nil {
		_ = l.watch.Stop()
	}
}

// Load returns the persona for id, preferring the override directory over
// the embedded defaults.
func (l *PersonaLoader) Load(ctx context.Context, id string) (Persona, error) {
	return l.cache.Get(ctx, id, id, personaCacheTTL)
}

// read resolves a persona from disk or the embedded defaults. Used as the
// cache loader.
func (l *PersonaLoader) read(_ context.Context, id string) (Persona, error) {
	if l.overrideDir != "" {
		path := filepath.Join(l.overrideDir, id+".md")
		if data, err := os.ReadFile(path); err == nil { // #nosec G304 -- path is under the configured persona dir
			return parsePersona(id, data)
		}
	}

	data, err := defaultPersonas.ReadFile("personas/" + id + ".md")
	if err != nil {
		return Persona{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, id)
	}
	return parsePersona(id, data)
}

// List returns every available persona, overrides shadowing embedded
// defaults, sorted by id.
func (l *PersonaLoader) List(ctx context.Context) ([]Persona, error) {
	ids := make(map[string]bool)

	entries, err := fs.ReadDir(defaultPersonas, "personas")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded personas: %w", err)
	}
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".md"); ok {
			ids[name] = true
		}
	}

	if l.overrideDir != "" {
		overrides, err := os.ReadDir(l.overrideDir)
		if err == nil {
			for _, e := range overrides {
				if e.IsDir() {
					continue
				}
				if name, ok := strings.CutSuffix(e.Name(), ".md"); ok {
					ids[name] = true
				}
			}
		}
	}

	personas := make([]Persona, 0, len(ids))
	for id := range ids {
		p, err := l.Load(ctx, id)
		if err != nil {
			log.Warn(log.CatLaunch, "skipping unreadable persona", "id", id, "error", err)
			continue
		}
		personas = append(personas, p)
	}

	sort.Slice(personas, func(i, j int) bool { return personas[i].ID < personas[j].ID })
	return personas, nil
}

// parsePersona splits optional YAML front matter from the markdown body.
// Front matter is delimited by "---" lines at the top of the file.
func parsePersona(id string, data []byte) (Persona, error) {
	p := Persona{ID: id, Name: id}
	content := string(data)

	if rest, ok := strings.CutPrefix(content, "---\n"); ok {
		meta, body, found := strings.Cut(rest, "\n---\n")
		if !found {
			return Persona{}, fmt.Errorf("persona %s: unterminated front matter", id)
		}

		var fm personaMeta
		if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
			return Persona{}, fmt.Errorf("persona %s: invalid front matter: %w", id, err)
		}
		if fm.Name != "" {
			p.Name = fm.Name
		}
		p.Model = fm.Model
		content = body
	}

	p.Prompt = strings.TrimSpace(content)
	if p.Prompt == "" {
		return Persona{}, fmt.Errorf("persona %s: empty prompt", id)
	}
	return p, nil
}
