package output

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"plugin"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cyberred/cyberred/internal/models"
)

// debounceDelay collapses rapid editor save bursts into one reload.
const debounceDelay = 500 * time.Millisecond

// PluginLoader loads a parser from a plugin file. The default loader opens
// Go plugin .so files; tests inject a fake.
type PluginLoader interface {
	Load(path string) (ParseFunc, error)
}

// GoPluginLoader loads parser plugins built with `go build -buildmode=plugin`.
// The plugin must export a `Parse` symbol matching the ParseFunc contract
// and a `ParserVersion` string.
type GoPluginLoader struct {
	// RequiredVersion guards against ABI drift between daemon and plugin.
	RequiredVersion string
}

// ParserABIVersion is the contract version compiled into shipped plugins.
const ParserABIVersion = "1"

// Load opens the plugin and validates its exported symbols.
func (l *GoPluginLoader) Load(path string) (ParseFunc, error) {
	plg, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", filepath.Base(path), err)
	}

	versionSym, err := plg.Lookup("ParserVersion")
	if err != nil {
		return nil, fmt.Errorf("plugin %s: missing ParserVersion", filepath.Base(path))
	}
	version, ok := versionSym.(*string)
	if !ok {
		return nil, fmt.Errorf("plugin %s: ParserVersion must be a string", filepath.Base(path))
	}
	required := l.RequiredVersion
	if required == "" {
		required = ParserABIVersion
	}
	if *version != required {
		return nil, fmt.Errorf("plugin %s: version %q does not match required %q", filepath.Base(path), *version, required)
	}

	parseSym, err := plg.Lookup("Parse")
	if err != nil {
		return nil, fmt.Errorf("plugin %s: missing Parse symbol", filepath.Base(path))
	}
	// Plugins export Parse either as a ParseFunc variable or as a plain
	// function with the matching signature.
	switch fn := parseSym.(type) {
	case *ParseFunc:
		return *fn, nil
	case ParseFunc:
		return fn, nil
	case func(string, string, int, string, string, string) ([]*models.Finding, error):
		return ParseFunc(fn), nil
	default:
		return nil, fmt.Errorf("plugin %s: Parse has wrong signature", filepath.Base(path))
	}
}

// Watcher hot-reloads parser plugins from a directory: creations and
// modifications (debounced) register the parser under the file stem,
// deletions unregister it.
type Watcher struct {
	dir       string
	processor *Processor
	loader    PluginLoader

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	done chan struct{}
	log  *slog.Logger
}

// NewWatcher creates a watcher over a plugin directory.
func NewWatcher(dir string, processor *Processor, loader PluginLoader) *Watcher {
	if loader == nil {
		loader = &GoPluginLoader{}
	}
	return &Watcher{
		dir:       dir,
		processor: processor,
		loader:    loader,
		timers:    make(map[string]*time.Timer),
		log:       slog.Default().With("component", "parserwatcher", "dir", dir),
	}
}

// Start scans the directory once, then watches for changes.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})

	matches, err := filepath.Glob(filepath.Join(w.dir, "*.so"))
	if err == nil {
		for _, path := range matches {
			w.reload(path)
		}
	}

	go w.loop()
	w.log.Info("parser watcher started")
	return nil
}

// Stop terminates the watcher and cancels pending reloads.
func (w *Watcher) Stop() {
	if w.fsw == nil {
		return
	}
	_ = w.fsw.Close()
	<-w.done
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
	w.log.Info("parser watcher stopped")
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isPluginFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.scheduleReload(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.cancelPending(event.Name)
				w.processor.UnregisterParser(stem(event.Name))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of writes to the same file.
func (w *Watcher) scheduleReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.reload(path)
	})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) reload(path string) {
	fn, err := w.loader.Load(path)
	if err != nil {
		w.log.Warn("parser reload failed", "path", path, "error", err)
		return
	}
	w.processor.RegisterParser(stem(path), fn)
	w.log.Info("parser reloaded", "parser", stem(path))
}

func isPluginFile(path string) bool {
	return strings.HasSuffix(path, ".so")
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
