// Package registration feeds a spool directory into the topology manager.
//
// The spool has three watched subdirectories:
//
//	hosts/       one document per host; creating or updating a file
//	             registers the host, deleting it removes the host
//	requests/    provision and scale requests; each file is submitted
//	             once, then moved to requests/processed or
//	             requests/failed next to a .result file holding the
//	             request ID or the error
//	blueprints/  blueprints referenced by requests; they are also
//	             saved to the blueprint store
//
// Files are YAML, JSON or CUE. Other files are ignored, so writers can
// create a temporary file and rename it into place.
package registration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/topology/pkg/config"
	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stores"
)

// Spool subdirectories.
const (
	HostsDir      = "hosts"
	RequestsDir   = "requests"
	BlueprintsDir = "blueprints"
	ProcessedDir  = "processed"
	FailedDir     = "failed"
)

// ResultSuffix is appended to a moved request file's name for its result.
const ResultSuffix = ".result"

// Manager receives host changes and requests. *engine.Manager implements it.
type Manager interface {
	OnHostRegistered(ctx context.Context, host engine.Host) error
	OnHostRemoved(ctx context.Context, name string) error
	Provision(ctx context.Context, req *engine.TopologyRequest) (int64, error)
	Scale(ctx context.Context, req *engine.TopologyRequest) (int64, error)
}

// BlueprintStore persists blueprints. *stores.SQLiteStore implements it.
type BlueprintStore interface {
	UpsertBlueprint(ctx context.Context, bp *stores.BlueprintRecord) error
	GetBlueprint(ctx context.Context, name string) (*stores.BlueprintRecord, error)
}

var (
	_ Manager        = (*engine.Manager)(nil)
	_ BlueprintStore = (*stores.SQLiteStore)(nil)
)

// RegistrationRecorder counts host registration changes. *telemetry.Metrics
// implements it.
type RegistrationRecorder interface {
	RecordHostRegistration(change string)
}

// Config holds the watcher settings.
type Config struct {
	// Dir is the spool directory.
	Dir string `yaml:"dir"`

	// Debounce is how long a file must stay quiet before it is processed.
	Debounce time.Duration `yaml:"debounce"`
}

// Watcher processes spool files and watches for new ones.
type Watcher struct {
	config     Config
	loader     *config.Loader
	manager    Manager
	blueprints BlueprintStore
	metrics    RegistrationRecorder
	logger     zerolog.Logger

	mu    sync.Mutex
	hosts map[string]string
	specs map[string]*engine.BlueprintSpec
}

// NewWatcher creates the spool layout under cfg.Dir. blueprints may be nil.
func NewWatcher(cfg Config, loader *config.Loader, manager Manager, blueprints BlueprintStore, logger zerolog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	for _, dir := range []string{
		HostsDir,
		BlueprintsDir,
		filepath.Join(RequestsDir, ProcessedDir),
		filepath.Join(RequestsDir, FailedDir),
	} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	return &Watcher{
		config:     cfg,
		loader:     loader,
		manager:    manager,
		blueprints: blueprints,
		logger:     logger.With().Str("component", "registration").Logger(),
		hosts:      make(map[string]string),
		specs:      make(map[string]*engine.BlueprintSpec),
	}, nil
}

// SetMetrics enables registration metrics.
func (w *Watcher) SetMetrics(metrics RegistrationRecorder) {
	w.metrics = metrics
}

// Sync processes every file already in the spool: blueprints first, then
// hosts, then requests, each in file name order.
func (w *Watcher) Sync(ctx context.Context) error {
	for _, sub := range []string{BlueprintsDir, HostsDir, RequestsDir} {
		entries, err := os.ReadDir(filepath.Join(w.config.Dir, sub))
		if err != nil {
			return fmt.Errorf("failed to read spool directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			w.changed(ctx, filepath.Join(w.config.Dir, sub, e.Name()))
		}
	}
	return nil
}

// Run syncs the spool and then processes changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsWatcher.Close()

	for _, sub := range []string{BlueprintsDir, HostsDir, RequestsDir} {
		if err := fsWatcher.Add(filepath.Join(w.config.Dir, sub)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", sub, err)
		}
	}
	if err := w.Sync(ctx); err != nil {
		return err
	}

	w.logger.Info().Str("dir", w.config.Dir).Msg("Watching spool directory")
	w.processEvents(ctx, fsWatcher)
	return nil
}

// processEvents collects changed paths and processes them once no event
// arrived for the debounce interval.
func (w *Watcher) processEvents(ctx context.Context, fsWatcher *fsnotify.Watcher) {
	pending := make(map[string]bool)
	timer := time.NewTimer(w.config.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if _, err := config.DetectFormat(event.Name); err != nil {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Spool file changed")
			pending[event.Name] = true
			timer.Reset(w.config.Debounce)

		case <-timer.C:
			w.flush(ctx, pending)
			pending = make(map[string]bool)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// flush processes pending paths, blueprints before hosts before requests.
func (w *Watcher) flush(ctx context.Context, pending map[string]bool) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		pi, pj := spoolOrder(paths[i]), spoolOrder(paths[j])
		if pi != pj {
			return pi < pj
		}
		return paths[i] < paths[j]
	})

	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			w.removed(ctx, p)
			continue
		}
		w.changed(ctx, p)
	}
}

func spoolOrder(path string) int {
	switch filepath.Base(filepath.Dir(path)) {
	case BlueprintsDir:
		return 0
	case HostsDir:
		return 1
	default:
		return 2
	}
}

// changed handles a created or updated spool file.
func (w *Watcher) changed(ctx context.Context, path string) {
	if _, err := config.DetectFormat(path); err != nil {
		return
	}

	switch filepath.Base(filepath.Dir(path)) {
	case HostsDir:
		if err := w.registerHost(ctx, path); err != nil {
			w.logger.Error().Err(err).Str("file", path).Msg("Failed to register host")
		}
	case BlueprintsDir:
		if err := w.addBlueprint(ctx, path); err != nil {
			w.logger.Error().Err(err).Str("file", path).Msg("Failed to add blueprint")
		}
	case RequestsDir:
		w.submitRequest(ctx, path)
	}
}

// removed handles a deleted spool file. Only host files have an effect.
func (w *Watcher) removed(ctx context.Context, path string) {
	if filepath.Base(filepath.Dir(path)) != HostsDir {
		return
	}

	w.mu.Lock()
	name, ok := w.hosts[path]
	delete(w.hosts, path)
	w.mu.Unlock()
	if !ok {
		return
	}

	if err := w.manager.OnHostRemoved(ctx, name); err != nil {
		w.logger.Error().Err(err).Str("host", name).Msg("Failed to remove host")
		return
	}
	w.recordRegistration("remove")
}

func (w *Watcher) registerHost(ctx context.Context, path string) error {
	host, err := w.loader.LoadHost(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	previous, had := w.hosts[path]
	w.hosts[path] = host.Name
	w.mu.Unlock()

	if had && previous != host.Name {
		if err := w.manager.OnHostRemoved(ctx, previous); err != nil {
			w.logger.Warn().Err(err).Str("host", previous).Msg("Failed to remove renamed host")
		} else {
			w.recordRegistration("remove")
		}
	}

	if err := w.manager.OnHostRegistered(ctx, *host); err != nil {
		return err
	}
	w.recordRegistration("add")
	w.logger.Info().Str("host", host.Name).Int("attributes", len(host.Attributes)).Msg("Host registered from spool")
	return nil
}

func (w *Watcher) addBlueprint(ctx context.Context, path string) error {
	spec, err := w.loader.LoadBlueprint(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.specs[spec.Name] = spec
	w.mu.Unlock()

	if w.blueprints != nil {
		rec, err := config.BlueprintRecord(spec)
		if err != nil {
			return err
		}
		if err := w.blueprints.UpsertBlueprint(ctx, rec); err != nil {
			return fmt.Errorf("failed to save blueprint %s: %w", spec.Name, err)
		}
	}
	w.logger.Info().Str("blueprint", spec.Name).Msg("Blueprint added from spool")
	return nil
}

// blueprint resolves a blueprint from the spool, then from the store.
func (w *Watcher) blueprint(ctx context.Context, name string) (*engine.BlueprintSpec, error) {
	w.mu.Lock()
	spec, ok := w.specs[name]
	w.mu.Unlock()
	if ok {
		return spec, nil
	}
	if w.blueprints == nil {
		return nil, fmt.Errorf("blueprint %s not found", name)
	}
	rec, err := w.blueprints.GetBlueprint(ctx, name)
	if err != nil {
		return nil, err
	}
	return config.BlueprintFromRecord(rec)
}

// submitRequest submits a request file and moves it out of the way.
func (w *Watcher) submitRequest(ctx context.Context, path string) {
	id, err := w.submit(ctx, path)
	if err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("Request rejected")
		w.finish(path, FailedDir, err.Error())
		return
	}
	w.logger.Info().Int64("request_id", id).Str("file", path).Msg("Request submitted from spool")
	w.finish(path, ProcessedDir, strconv.FormatInt(id, 10))
}

func (w *Watcher) submit(ctx context.Context, path string) (int64, error) {
	spec, err := w.loader.LoadTopologyRequest(path)
	if err != nil {
		return 0, err
	}

	req := &engine.TopologyRequest{Spec: *spec}
	switch spec.Type {
	case engine.RequestTypeProvision:
		bp, err := w.blueprint(ctx, spec.Blueprint)
		if err != nil {
			return 0, err
		}
		req.Blueprint = bp
		return w.manager.Provision(ctx, req)
	case engine.RequestTypeScale:
		return w.manager.Scale(ctx, req)
	default:
		return 0, fmt.Errorf("unsupported request type %q", spec.Type)
	}
}

// finish moves a request file into dir and writes its result beside it.
func (w *Watcher) finish(path, dir, result string) {
	target := filepath.Join(filepath.Dir(path), dir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("Failed to move request file")
		return
	}
	if err := os.WriteFile(target+ResultSuffix, []byte(result+"\n"), 0o644); err != nil {
		w.logger.Error().Err(err).Str("file", target).Msg("Failed to write request result")
	}
}

func (w *Watcher) recordRegistration(change string) {
	if w.metrics != nil {
		w.metrics.RecordHostRegistration(change)
	}
}

// Hosts returns the names of the hosts registered from spool files.
func (w *Watcher) Hosts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.hosts))
	for _, n := range w.hosts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
