// Package mirror copies each published compile to an object store so build
// output outlives the work directory and can be shared.
//
// Layout under the configured prefix:
//
//	<module>/compile-<n>/<servable files>
//	<module>/current.json   pointer to the published compile
//
// Compile numbers restart with every server process, so a compile name can
// already exist in the store from an earlier run. Its old objects are cleared
// before the upload, and pruning ranks compiles by publish recency, not by
// number.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/superdev/pkg/artifactdir"
	"github.com/3leaps/superdev/pkg/job"
	"github.com/3leaps/superdev/pkg/outbox"
	"github.com/3leaps/superdev/pkg/provider"
)

// CurrentObject is the pointer object name under each module.
const CurrentObject = "current.json"

// Config configures a Mirror.
type Config struct {
	// Prefix is prepended to every key. Empty mirrors at the store root.
	Prefix string

	// Keep is how many compiles per module stay in the store.
	// Zero keeps all of them.
	Keep int
}

// Current is the content of current.json.
type Current struct {
	JobID       string            `json:"job_id"`
	Module      string            `json:"module"`
	Bindings    map[string]string `json:"bindings,omitempty"`
	Compile     string            `json:"compile"`
	Strategy    job.Strategy      `json:"strategy,omitempty"`
	Files       []string          `json:"files"`
	PublishedAt time.Time         `json:"published_at"`
}

// Mirror uploads published compiles through a provider.
type Mirror struct {
	store  provider.Provider
	prefix string
	keep   int
	logger *zap.Logger

	mu sync.Mutex
	// published lists, per module, the compiles this mirror uploaded,
	// oldest first.
	published map[string][]string
}

// New creates a mirror writing to store.
func New(store provider.Provider, cfg Config, logger *zap.Logger) (*Mirror, error) {
	if store == nil {
		return nil, fmt.Errorf("mirror store is required")
	}
	if cfg.Keep < 0 {
		return nil, fmt.Errorf("mirror keep must be >= 0, got %d", cfg.Keep)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		store:  store,
		prefix: strings.Trim(cfg.Prefix, "/"),
		keep:      cfg.Keep,
		logger:    logger,
		published: map[string][]string{},
	}, nil
}

// Hook adapts the mirror to an outbox publish hook.
func (m *Mirror) Hook() outbox.PublishHook {
	return m.Publish
}

// Publish uploads the servable files of dir, then points current.json at
// it and prunes compiles beyond Keep.
func (m *Mirror) Publish(ctx context.Context, j *job.Job, dir *artifactdir.CompileDir) error {
	module := j.Module()
	compile := filepath.Base(dir.Root())
	logger := j.Logger()

	if err := m.clearCompile(ctx, module, compile); err != nil {
		return fmt.Errorf("clear stale %s/%s: %w", module, compile, err)
	}

	var files []string
	fsys := os.DirFS(dir.WarDir())
	err := doublestar.GlobWalk(fsys, "**", func(rel string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		if err := m.upload(ctx, fsys, rel, m.key(module, compile, rel)); err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror %s/%s: %w", module, compile, err)
	}

	current := Current{
		JobID:       j.ID(),
		Module:      module,
		Bindings:    j.Bindings(),
		Compile:     compile,
		Files:       files,
		PublishedAt: time.Now().UTC(),
	}
	if r, ok := j.Result(); ok {
		current.Strategy = r.Strategy
	}
	if err := m.writeCurrent(ctx, module, current); err != nil {
		return err
	}
	m.record(module, compile)
	logger.Info("Mirrored compile", zap.String("compile", compile), zap.Int("files", len(files)))

	if m.keep > 0 {
		if err := m.prune(ctx, module); err != nil {
			logger.Warn("Mirror prune failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Mirror) upload(ctx context.Context, fsys fs.FS, rel, key string) error {
	f, err := fsys.Open(rel)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return m.store.PutObject(ctx, key, f, info.Size(), PutOptionsFor(rel))
}

func (m *Mirror) writeCurrent(ctx context.Context, module string, current Current) error {
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", CurrentObject, err)
	}
	opts := provider.PutOptions{ContentType: "application/json", CacheControl: "no-cache"}
	key := m.key(module, CurrentObject)
	if err := m.store.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// clearCompile deletes objects left under module/compile by an earlier
// server run that used the same compile number.
func (m *Mirror) clearCompile(ctx context.Context, module, compile string) error {
	objects, err := provider.ListAll(ctx, m.store, m.key(module, compile)+"/")
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := m.store.DeleteObject(ctx, obj.Key); err != nil {
			return err
		}
	}
	if len(objects) > 0 {
		m.logger.Debug("Cleared stale mirrored compile",
			zap.String("module", module), zap.String("compile", compile), zap.Int("objects", len(objects)))
	}
	return nil
}

func (m *Mirror) record(module, compile string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := slices.DeleteFunc(m.published[module], func(c string) bool { return c == compile })
	m.published[module] = append(list, compile)
}

// recency returns how recently this mirror published compile: 1 for the
// latest, 0 for compiles it never published.
func (m *Mirror) recency(module, compile string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.published[module]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == compile {
			return len(list) - i
		}
	}
	return 0
}

type storedCompile struct {
	name     string
	number   int
	recency  int
	modified time.Time
	keys     []string
}

// prune deletes the objects of all but the newest Keep compiles of module.
// Compiles this mirror published rank first, in publish order; leftovers
// from earlier runs rank by upload time.
func (m *Mirror) prune(ctx context.Context, module string) error {
	modulePrefix := m.key(module) + "/"
	objects, err := provider.ListAll(ctx, m.store, modulePrefix)
	if err != nil {
		return err
	}

	byName := map[string]*storedCompile{}
	for _, obj := range objects {
		seg, _, ok := strings.Cut(strings.TrimPrefix(obj.Key, modulePrefix), "/")
		if !ok {
			continue
		}
		n := compileNumber(seg)
		if n <= 0 {
			continue
		}
		c, ok := byName[seg]
		if !ok {
			c = &storedCompile{name: seg, number: n, recency: m.recency(module, seg)}
			byName[seg] = c
		}
		c.keys = append(c.keys, obj.Key)
		if obj.LastModified.After(c.modified) {
			c.modified = obj.LastModified
		}
	}
	if len(byName) <= m.keep {
		return nil
	}

	compiles := make([]*storedCompile, 0, len(byName))
	for _, c := range byName {
		compiles = append(compiles, c)
	}
	sort.Slice(compiles, func(i, j int) bool {
		a, b := compiles[i], compiles[j]
		switch {
		case (a.recency > 0) != (b.recency > 0):
			return a.recency > 0
		case a.recency > 0:
			return a.recency < b.recency
		case !a.modified.Equal(b.modified):
			return a.modified.After(b.modified)
		default:
			return a.number > b.number
		}
	})

	for _, c := range compiles[m.keep:] {
		for _, key := range c.keys {
			if err := m.store.DeleteObject(ctx, key); err != nil {
				return err
			}
		}
		m.forget(module, c.name)
		m.logger.Debug("Pruned mirrored compile", zap.String("module", module), zap.String("compile", c.name))
	}
	return nil
}

func (m *Mirror) forget(module, compile string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[module] = slices.DeleteFunc(m.published[module], func(c string) bool { return c == compile })
}

func (m *Mirror) key(parts ...string) string {
	if m.prefix != "" {
		parts = append([]string{m.prefix}, parts...)
	}
	return path.Join(parts...)
}

func compileNumber(name string) int {
	digits, ok := strings.CutPrefix(name, "compile-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

// PutOptionsFor returns object headers for a servable file. Bootstrap
// scripts (*.nocache.*) must always be revalidated; content-hashed
// permutations (*.cache.*) never change.
func PutOptionsFor(rel string) provider.PutOptions {
	base := path.Base(rel)
	opts := provider.PutOptions{ContentType: mime.TypeByExtension(path.Ext(base))}
	switch {
	case strings.Contains(base, ".nocache."):
		opts.CacheControl = "no-cache"
	case strings.Contains(base, ".cache."):
		opts.CacheControl = "public, max-age=31536000, immutable"
	}
	return opts
}
