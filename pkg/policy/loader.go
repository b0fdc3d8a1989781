package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay collapses the events of one save into a single reload.
const reloadDelay = 500 * time.Millisecond

// tagsPrefix introduces a comma separated tag list in a .rego header.
const tagsPrefix = "tags:"

// Loader reads request policies from .rego modules and .json definitions.
// Parsed files are cached by path and modification time.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedPolicy

	watcher *fsnotify.Watcher
}

type cachedPolicy struct {
	policy  *Policy
	modTime time.Time
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads policies from files and directories, in order.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		policies = append(policies, loaded...)
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Int("paths", len(paths)).
		Msg("Request policies read")
	return policies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	p, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

// loadFromDirectory walks dir in lexical order. Hidden directories and rego
// test modules are skipped; a file that fails to parse is logged and left out.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable policy")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego":
		return !strings.HasSuffix(path, "_test.rego")
	case ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = l.parseRegoFile(path, data)
	case ".json":
		if p, err = l.parseJSONFile(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: p, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy parsed")
	return p, nil
}

// parseRegoFile names the policy after the file. The leading comment block
// is its description; a "# tags: a, b" line in it sets the tags.
func (l *Loader) parseRegoFile(path string, data []byte) *Policy {
	content := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: l.extractDescription(content),
		Rego:        content,
		Enabled:     true,
		Tags:        headerTags(content),
		Source:      path,
		LoadedAt:    time.Now(),
	}
}

// parseJSONFile reads a JSON policy definition. A definition without an
// "enabled" key is enabled.
func (l *Loader) parseJSONFile(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if strings.TrimSpace(p.Rego) == "" {
		return nil, fmt.Errorf("policy %s has no rego source", p.Name)
	}
	p.Source = path
	p.LoadedAt = time.Now()
	return &p, nil
}

// headerComments returns the comment lines before the first statement.
func headerComments(content string) []string {
	var comments []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#"):
			comments = append(comments, strings.TrimSpace(strings.TrimPrefix(trimmed, "#")))
		case trimmed == "" && len(comments) == 0:
		default:
			return comments
		}
	}
	return comments
}

func (l *Loader) extractDescription(content string) string {
	var words []string
	for _, c := range headerComments(content) {
		if c == "" || strings.HasPrefix(c, tagsPrefix) || strings.HasPrefix(c, "package") {
			continue
		}
		words = append(words, c)
	}
	return strings.Join(words, " ")
}

func headerTags(content string) []string {
	var tags []string
	for _, c := range headerComments(content) {
		if !strings.HasPrefix(c, tagsPrefix) {
			continue
		}
		for _, tag := range strings.Split(strings.TrimPrefix(c, tagsPrefix), ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// Watch calls reloadFn with the full policy set whenever a policy file under
// paths is written, created, renamed or removed. It returns once the
// watches are in place; events are handled until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	watched := 0
	for _, path := range paths {
		if err := addWatches(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Policy path not watched")
			continue
		}
		watched++
	}
	if watched == 0 && len(paths) > 0 {
		watcher.Close()
		return fmt.Errorf("none of %d policy paths could be watched", len(paths))
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", watched).Msg("Watching request policies")
	return nil
}

// addWatches watches a file, or a directory and its subdirectories.
func addWatches(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatches(watcher, event.Name)
				}
			}
			if !isPolicyFile(event.Name) || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed, keeping the previous set")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Request policies reloaded")
	return nil
}

// StopWatching closes the watcher started by Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedPolicy)
}
