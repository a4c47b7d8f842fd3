package detector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"docqc/internal/config"
	"docqc/internal/logging"
)

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the dedup clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

type timerKind int

const (
	fileTimer timerKind = iota
	folderTimer
)

type timerFire struct {
	kind timerKind
	key  string
	gen  uint64
}

type pendingGroup struct {
	gen     uint64
	timer   *time.Timer
	ready   map[string]struct{}
	folder  string
	chapter string
	format  Format
}

// Detector watches the configured roots and emits document-ready events.
type Detector struct {
	roots       []string
	exts        map[string]struct{}
	nested      bool
	initialScan bool
	stabilize   time.Duration
	settle      time.Duration
	dedup       time.Duration
	logger      *slog.Logger
	now         func() time.Time

	events chan Event
	errs   chan error
	fire   chan timerFire

	// Owned by the Run loop.
	gen      uint64
	files    map[string]uint64
	fileTmrs map[string]*time.Timer
	groups   map[string]*pendingGroup
	recent   map[string]time.Time
}

// New constructs a detector for the [watch] config section.
func New(cfg config.Watch, opts ...Option) *Detector {
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	d := &Detector{
		roots:       append([]string(nil), cfg.Roots...),
		exts:        exts,
		nested:      cfg.Nested,
		initialScan: cfg.InitialScan,
		stabilize:   time.Duration(cfg.StabilizationMS) * time.Millisecond,
		settle:      time.Duration(cfg.FolderSettleMS) * time.Millisecond,
		dedup:       time.Duration(cfg.DedupWindowMS) * time.Millisecond,
		logger:      logging.NewNop(),
		now:         time.Now,
		events:      make(chan Event, 64),
		errs:        make(chan error, 8),
		fire:        make(chan timerFire, 64),
		files:       make(map[string]uint64),
		fileTmrs:    make(map[string]*time.Timer),
		groups:      make(map[string]*pendingGroup),
		recent:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Events returns the document-ready stream. It is closed when Run returns.
func (d *Detector) Events() <-chan Event { return d.events }

// Errors returns non-fatal watcher errors. It is closed when Run returns.
func (d *Detector) Errors() <-chan error { return d.errs }

// Run watches until ctx is cancelled. Setup failures are returned
// immediately; errors reported by the notification API afterwards are
// forwarded on Errors and watching continues.
func (d *Detector) Run(ctx context.Context) error {
	defer close(d.events)
	defer close(d.errs)

	if len(d.roots) == 0 {
		return errors.New("detector: no watch roots configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("detector: create watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range d.roots {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("detector: watch root %q: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("detector: watch root %q is not a directory", root)
		}
		if err := d.addTree(ctx, watcher, root, d.initialScan); err != nil {
			return err
		}
	}
	d.logger.Info("watching document roots",
		logging.Int("roots", len(d.roots)),
		logging.Bool("nested", d.nested),
		logging.Duration("stabilization", d.stabilize),
		logging.Duration("folder_settle", d.settle),
	)

	defer d.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			d.handleNotification(ctx, watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.reportError(err)
		case fired := <-d.fire:
			switch fired.kind {
			case fileTimer:
				if d.files[fired.key] == fired.gen {
					delete(d.files, fired.key)
					delete(d.fileTmrs, fired.key)
					d.fileStable(ctx, fired.key)
				}
			case folderTimer:
				if group, ok := d.groups[fired.key]; ok && group.gen == fired.gen {
					d.folderSettled(ctx, fired.key, group)
				}
			}
		}
	}
}

func (d *Detector) addTree(ctx context.Context, watcher *fsnotify.Watcher, root string, scan bool) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return fmt.Errorf("detector: walk %q: %w", root, walkErr)
			}
			d.reportError(walkErr)
			return nil
		}
		if entry.IsDir() {
			if path != root && isHidden(entry.Name()) {
				return filepath.SkipDir
			}
			if err := watcher.Add(path); err != nil {
				if path == root {
					return fmt.Errorf("detector: watch %q: %w", path, err)
				}
				d.reportError(fmt.Errorf("detector: watch %q: %w", path, err))
			}
			return nil
		}
		if scan && d.accept(path) {
			d.scheduleFile(ctx, path)
		}
		return nil
	})
}

func (d *Detector) handleNotification(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if isHidden(info.Name()) {
				return
			}
			// Files copied in together with the folder may predate the watch.
			if err := d.addTree(ctx, watcher, path, true); err != nil {
				d.reportError(err)
			}
			return
		}
		if d.accept(path) {
			d.scheduleFile(ctx, path)
		}
	case ev.Has(fsnotify.Write):
		if d.accept(path) {
			d.scheduleFile(ctx, path)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		d.forget(path)
	}
}

func (d *Detector) scheduleFile(ctx context.Context, path string) {
	if timer, ok := d.fileTmrs[path]; ok {
		timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.files[path] = gen
	d.fileTmrs[path] = d.after(ctx, d.stabilize, timerFire{kind: fileTimer, key: path, gen: gen})
}

func (d *Detector) forget(path string) {
	if timer, ok := d.fileTmrs[path]; ok {
		timer.Stop()
		delete(d.fileTmrs, path)
		delete(d.files, path)
	}
	if group, ok := d.groups[filepath.Dir(path)]; ok {
		delete(group.ready, path)
	}
}

func (d *Detector) fileStable(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if info.Size() == 0 {
		d.logger.Debug("ignoring empty document", logging.FilePath(path))
		return
	}
	now := d.now()
	if last, ok := d.recent[path]; ok && now.Sub(last) < d.dedup {
		d.logger.Debug("duplicate detection suppressed",
			logging.FilePath(path),
			logging.Duration("since_last", now.Sub(last)),
		)
		return
	}
	d.recent[path] = now
	d.pruneRecent(now)

	dir := filepath.Dir(path)
	if !d.nested {
		d.emit(ctx, Event{
			Kind:     KindSingle,
			Role:     ClassifyRole(path),
			Chapter:  filepath.Base(dir),
			GroupKey: dir,
			Paths:    []string{path},
			Related:  []string{path},
		})
		return
	}

	group, ok := d.groups[dir]
	if !ok {
		folderName, chapter := d.layout(dir)
		group = &pendingGroup{
			ready:   make(map[string]struct{}),
			folder:  folderName,
			chapter: chapter,
			format:  ParseFormat(folderName),
		}
		d.groups[dir] = group
	}
	group.ready[path] = struct{}{}
	d.resetGroup(ctx, dir, group)
}

func (d *Detector) resetGroup(ctx context.Context, dir string, group *pendingGroup) {
	if group.timer != nil {
		group.timer.Stop()
	}
	d.gen++
	group.gen = d.gen
	group.timer = d.after(ctx, d.settle, timerFire{kind: folderTimer, key: dir, gen: group.gen})
}

func (d *Detector) folderSettled(ctx context.Context, dir string, group *pendingGroup) {
	listing, busy := d.scanFolder(dir)
	if busy {
		d.logger.Debug("folder still changing; waiting", logging.String("folder", dir))
		d.resetGroup(ctx, dir, group)
		return
	}
	delete(d.groups, dir)
	if len(group.ready) == 0 {
		return
	}

	result := ClassifyFolder(group.format, group.folder, group.chapter, dir, listing)
	for _, warning := range result.Warnings {
		logging.WarnWithContext(d.logger, "folder does not match its declared format", "detector_format_mismatch",
			logging.String("folder", dir),
			logging.String("format", group.format.String()),
			logging.String("detail", warning),
			logging.String(logging.FieldImpact, "ambiguous documents were not queued"),
			logging.String(logging.FieldErrorHint, "check the folder contents against the parent folder's format"),
		)
	}
	for _, ev := range result.Events {
		if !touches(ev.Paths, group.ready) {
			continue
		}
		d.emit(ctx, ev)
	}
}

// scanFolder lists the accepted documents in dir and reports whether any of
// them is still being written.
func (d *Detector) scanFolder(dir string) ([]string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.reportError(fmt.Errorf("detector: read folder %q: %w", dir, err))
		return nil, false
	}
	cutoff := time.Now().Add(-d.stabilize)
	var listing []string
	busy := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !d.accept(path) {
			continue
		}
		if _, pending := d.files[path]; pending {
			busy = true
		}
		if info, err := entry.Info(); err == nil && d.stabilize > 0 && info.ModTime().After(cutoff) {
			busy = true
		}
		listing = append(listing, path)
	}
	return listing, busy
}

// layout returns the format folder and chapter folder names for a leaf
// directory: root/<format>/<chapter>/files.
func (d *Detector) layout(dir string) (string, string) {
	for _, root := range d.roots {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if rel == "." {
			return "", ""
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) == 1 {
			return "", parts[0]
		}
		return parts[len(parts)-2], parts[len(parts)-1]
	}
	return filepath.Base(filepath.Dir(dir)), filepath.Base(dir)
}

func (d *Detector) emit(ctx context.Context, ev Event) {
	d.logger.Info("document ready",
		logging.FilePath(ev.Primary()),
		logging.String("kind", string(ev.Kind)),
		logging.String("role", string(ev.Role)),
		logging.Int("related", len(ev.Related)),
	)
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
}

func (d *Detector) reportError(err error) {
	if err == nil {
		return
	}
	logging.WarnWithContext(d.logger, "watcher error", "detector_watch_error",
		logging.Error(err),
		logging.String(logging.FieldImpact, "some file events may have been missed"),
		logging.String(logging.FieldErrorHint, "check permissions and inotify limits on the watched roots"),
	)
	select {
	case d.errs <- err:
	default:
	}
}

func (d *Detector) after(ctx context.Context, delay time.Duration, fired timerFire) *time.Timer {
	return time.AfterFunc(delay, func() {
		select {
		case d.fire <- fired:
		case <-ctx.Done():
		}
	})
}

func (d *Detector) stopTimers() {
	for _, timer := range d.fileTmrs {
		timer.Stop()
	}
	for _, group := range d.groups {
		if group.timer != nil {
			group.timer.Stop()
		}
	}
}

func (d *Detector) pruneRecent(now time.Time) {
	for path, seen := range d.recent {
		if now.Sub(seen) >= d.dedup {
			delete(d.recent, path)
		}
	}
}

func (d *Detector) accept(path string) bool {
	name := filepath.Base(path)
	if isHidden(name) || isTemp(name) {
		return false
	}
	_, ok := d.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, "~") || strings.HasSuffix(name, "~") || strings.HasSuffix(strings.ToLower(name), ".tmp")
}

func touches(paths []string, ready map[string]struct{}) bool {
	for _, path := range paths {
		if _, ok := ready[path]; ok {
			return true
		}
	}
	return false
}
