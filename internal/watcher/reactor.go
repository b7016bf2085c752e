package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/UIC-InDeXLab/Needle/internal/catalog"
)

// imageExtensions mirrors the scanner's allowlist (§4.4) so the watcher
// ignores non-image filesystem churn in a watched directory.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

func hasImageExtension(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// Catalog is the subset of the catalog Store (C1) the reactor needs to
// keep image rows consistent with the filesystem.
type Catalog interface {
	GetDirectoryByPath(ctx context.Context, path string) (*catalog.Directory, error)
	AddImages(ctx context.Context, directoryID int64, paths []string) (int, error)
	DeleteImagesByPaths(ctx context.Context, paths []string) error
	RenameImage(ctx context.Context, oldPath, newPath string) error
	SetImageIndexed(ctx context.Context, path string, indexed bool) error
}

// VectorSet deletes or relocates vectors for a path across every embedder
// collection, satisfied directly by *vectorstore.Set in the service
// wiring.
type VectorSet interface {
	DeletePath(ctx context.Context, imagePath string) error
	MovePath(ctx context.Context, oldPath, newPath string) error
}

// Enqueuer schedules a directory for (re-)indexing, satisfied by the
// indexing queue (C5). Priority 0 means "index immediately", matching the
// queue's highest-priority band for watcher-originated work (§4.5).
type Enqueuer interface {
	Enqueue(ctx context.Context, directoryID int64, directoryPath string, priority int) error
}

const watcherPriority = 0

// Reactor watches a set of registered directories with fsnotify and
// reacts to the four changes defined in §4.7: created, deleted, modified,
// moved. Each directory is watched non-recursively; subdirectories
// discovered after Start must be added explicitly via Watch.
type Reactor struct {
	opts     Options
	catalog  Catalog
	vectors  VectorSet
	queue    Enqueuer
	fsw      *fsnotify.Watcher
	debounce *Debouncer

	mu      sync.Mutex
	watched map[string]struct{}

	// renameMu guards pendingOut, the FIFO of Rename-outs waiting to be
	// paired with a subsequent Create. fsnotify gives no rename cookie to
	// pair the two deterministically, so pairing is done by arrival order
	// within DebounceWindow: the oldest unmatched Rename-out is matched to
	// the next Create. A Rename-out with no matching Create before its
	// timer fires is treated as a genuine delete.
	renameMu   sync.Mutex
	pendingOut []*pendingRename

	doneCh chan struct{}
	errCh  chan error
}

// pendingRename is a Rename-out (the source half of a move) awaiting
// correlation with a Create on the destination path.
type pendingRename struct {
	oldPath string
	timer   *time.Timer
}

// NewReactor constructs a Reactor. Call Start to begin watching and
// Watch to register each directory that should be observed.
func NewReactor(catalog Catalog, vectors VectorSet, queue Enqueuer, opts Options) (*Reactor, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Reactor{
		opts:     opts.withDefaults(),
		catalog:  catalog,
		vectors:  vectors,
		queue:    queue,
		fsw:      fsw,
		debounce: NewDebouncer(opts.withDefaults().DebounceWindow),
		watched:  make(map[string]struct{}),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, 16),
	}, nil
}

// Watch registers dir for observation. Safe to call before or after Start.
func (r *Reactor) Watch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve watch path: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watched[abs]; ok {
		return nil
	}
	if err := r.fsw.Add(abs); err != nil {
		return fmt.Errorf("watch %s: %w", abs, err)
	}
	r.watched[abs] = struct{}{}
	return nil
}

// Unwatch stops observing dir.
func (r *Reactor) Unwatch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watched[abs]; !ok {
		return nil
	}
	delete(r.watched, abs)
	return r.fsw.Remove(abs)
}

// Errors returns the channel on which reaction-handling errors are
// reported. Never closed while the reactor is running.
func (r *Reactor) Errors() <-chan error {
	return r.errCh
}

// Start begins translating fsnotify events into catalog/vector reactions.
// It runs until ctx is cancelled or Stop is called.
func (r *Reactor) Start(ctx context.Context) {
	go r.pumpRaw(ctx)
	go r.pumpDebounced(ctx)
}

// Stop releases the underlying fsnotify watcher and debouncer.
func (r *Reactor) Stop() error {
	select {
	case <-r.doneCh:
		return nil
	default:
		close(r.doneCh)
	}
	r.renameMu.Lock()
	for _, pr := range r.pendingOut {
		pr.timer.Stop()
	}
	r.pendingOut = nil
	r.renameMu.Unlock()
	r.debounce.Stop()
	return r.fsw.Close()
}

// pumpRaw translates fsnotify.Events into FileEvents fed to the debouncer,
// filtering out non-image paths and directory-level noise.
func (r *Reactor) pumpRaw(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.doneCh:
			return
		case ev, ok := <-r.fsw.Events:
			if !ok {
				return
			}
			if !hasImageExtension(ev.Name) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Rename != 0:
				r.onRenameOut(ev.Name)
				continue
			case ev.Op&fsnotify.Create != 0:
				if r.onCreate(ev.Name) {
					continue
				}
				r.debounce.Add(FileEvent{Path: ev.Name, Operation: OpCreate})
				continue
			}
			fe, ok := translate(ev)
			if !ok {
				continue
			}
			r.debounce.Add(fe)
		case err, ok := <-r.fsw.Errors:
			if !ok {
				return
			}
			r.reportErr(fmt.Errorf("fsnotify: %w", err))
		}
	}
}

// translate maps a raw fsnotify event to the watcher's Operation space for
// the two operations that never need cross-event correlation. Create and
// Rename are intercepted earlier in pumpRaw by onCreate/onRenameOut, which
// pair a Rename-out with its following Create into a single OpRename.
func translate(ev fsnotify.Event) (FileEvent, bool) {
	switch {
	case ev.Op&fsnotify.Write != 0:
		return FileEvent{Path: ev.Name, Operation: OpModify}, true
	case ev.Op&fsnotify.Remove != 0:
		return FileEvent{Path: ev.Name, Operation: OpDelete}, true
	default:
		return FileEvent{}, false
	}
}

// onRenameOut records the source half of a possible move and arms a timer
// for DebounceWindow. If a Create for some destination path arrives before
// the timer fires, onCreate pairs them into a single OpRename. Otherwise
// the timer fires and the source path is treated as a genuine delete.
func (r *Reactor) onRenameOut(oldPath string) {
	pr := &pendingRename{oldPath: oldPath}
	pr.timer = time.AfterFunc(r.opts.DebounceWindow, func() {
		r.expireRenameOut(pr)
	})

	r.renameMu.Lock()
	r.pendingOut = append(r.pendingOut, pr)
	r.renameMu.Unlock()
}

func (r *Reactor) expireRenameOut(pr *pendingRename) {
	r.renameMu.Lock()
	removed := r.takePending(pr)
	r.renameMu.Unlock()
	if !removed {
		// Already matched by onCreate; nothing to do.
		return
	}
	r.debounce.Add(FileEvent{Path: pr.oldPath, Operation: OpDelete})
}

// onCreate attempts to pair newPath with the oldest unmatched Rename-out.
// Reports whether a pairing was made; the caller falls back to a plain
// OpCreate when it returns false.
func (r *Reactor) onCreate(newPath string) bool {
	r.renameMu.Lock()
	if len(r.pendingOut) == 0 {
		r.renameMu.Unlock()
		return false
	}
	pr := r.pendingOut[0]
	r.pendingOut = r.pendingOut[1:]
	r.renameMu.Unlock()

	if !pr.timer.Stop() {
		// The timer already fired (or is firing) and turned pr into a
		// delete; treat this Create as unrelated.
		return false
	}
	r.debounce.Add(FileEvent{Path: newPath, OldPath: pr.oldPath, Operation: OpRename})
	return true
}

// takePending removes target from pendingOut if still present, reporting
// whether it found (and removed) it. Must be called with renameMu held.
func (r *Reactor) takePending(target *pendingRename) bool {
	for i, pr := range r.pendingOut {
		if pr == target {
			r.pendingOut = append(r.pendingOut[:i], r.pendingOut[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Reactor) pumpDebounced(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.doneCh:
			return
		case batch, ok := <-r.debounce.Output():
			if !ok {
				return
			}
			for _, fe := range batch {
				if err := r.react(ctx, fe); err != nil {
					r.reportErr(err)
				}
			}
		}
	}
}

func (r *Reactor) reportErr(err error) {
	select {
	case r.errCh <- err:
	default:
		slog.Warn("watcher_error_channel_full", slog.String("error", err.Error()))
	}
}

// react applies a single coalesced FileEvent to the catalog and vector
// store, and re-enqueues indexing work as needed (§4.7).
func (r *Reactor) react(ctx context.Context, fe FileEvent) error {
	dir, err := r.catalog.GetDirectoryByPath(ctx, filepath.Dir(fe.Path))
	if err != nil {
		return fmt.Errorf("react %s %s: %w", fe.Operation, fe.Path, err)
	}

	switch fe.Operation {
	case OpCreate:
		if _, err := r.catalog.AddImages(ctx, dir.ID, []string{fe.Path}); err != nil {
			return fmt.Errorf("react create %s: %w", fe.Path, err)
		}
		return r.queue.Enqueue(ctx, dir.ID, dir.Path, watcherPriority)

	case OpModify:
		if err := r.vectors.DeletePath(ctx, fe.Path); err != nil {
			return fmt.Errorf("react modify %s: delete vectors: %w", fe.Path, err)
		}
		if err := r.catalog.SetImageIndexed(ctx, fe.Path, false); err != nil {
			return fmt.Errorf("react modify %s: %w", fe.Path, err)
		}
		return r.queue.Enqueue(ctx, dir.ID, dir.Path, watcherPriority)

	case OpDelete:
		if err := r.vectors.DeletePath(ctx, fe.Path); err != nil {
			return fmt.Errorf("react delete %s: delete vectors: %w", fe.Path, err)
		}
		return r.catalog.DeleteImagesByPaths(ctx, []string{fe.Path})

	case OpRename:
		if err := r.vectors.MovePath(ctx, fe.OldPath, fe.Path); err != nil {
			return fmt.Errorf("react rename %s -> %s: move vectors: %w", fe.OldPath, fe.Path, err)
		}
		if err := r.catalog.RenameImage(ctx, fe.OldPath, fe.Path); err != nil {
			return fmt.Errorf("react rename %s -> %s: %w", fe.OldPath, fe.Path, err)
		}
		return nil
	}
	return nil
}
