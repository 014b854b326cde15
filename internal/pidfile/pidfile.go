// Package pidfile implements inotify-based discovery of a service's main
// pid via a configured PID-file, for Type=Forking services that do not
// report MAINPID= over the notify socket.
package pidfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/sysmasterd/internal/eventloop"
)

// demand tracks one outstanding PID-file watch.
type demand struct {
	unitID    string
	path      string
	watchedOn []string // directories actually added to the fsnotify watcher
	onReady   func(pid int, err error)
	removed   bool
}

// Watcher is the PidFileWatcher component: one inotify-backed watcher
// shared across every unit currently waiting on a PID-file. fsnotify does
// not expose per-watch inotify mask selection, so every watched directory
// receives fsnotify's full event set; the ancestor-cascade behavior (watch
// weaker masks further up the tree so a file can be discovered even before
// its parent directories exist) is approximated by watching the nearest
// existing ancestor directory and adding a watch on each missing ancestor
// as it is created.
type Watcher struct {
	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	loop    *eventloop.EventLoop
	logger  zerolog.Logger
	demands map[string]*demand // keyed by unitID
	ownPid  int
}

// New opens the underlying inotify fd and starts routing readiness events
// onto loop.
func New(loop *eventloop.EventLoop, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pidfile: open inotify: %w", err)
	}

	w := &Watcher{
		fsw:     fsw,
		loop:    loop,
		logger:  logger.With().Str("component", "pidfile").Logger(),
		demands: make(map[string]*demand),
		ownPid:  os.Getpid(),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.loop.Post(eventloop.PriorityNormal, "pidfile", func() {
				w.handleEvent(ev)
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.loop.Post(eventloop.PriorityNormal, "pidfile", func() {
				w.handleError(err)
			})
		}
	}
}

// DemandPidFile arms a watch on the nearest existing ancestor directory
// of path. onReady is invoked on the EventLoop goroutine once the file
// becomes readable and parses successfully, or once watching has
// definitively failed.
func (w *Watcher) DemandPidFile(unitID, path string, onReady func(pid int, err error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.demands[unitID]; exists {
		w.unwatchLocked(unitID)
	}

	d := &demand{unitID: unitID, path: path, onReady: onReady}

	dir := filepath.Dir(path)
	for {
		if err := w.fsw.Add(dir); err == nil {
			d.watchedOn = append(d.watchedOn, dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if _, err := os.Stat(dir); err == nil {
			// dir exists; no need to climb further, its own watch is
			// enough to observe creation of path underneath it.
			break
		}
		dir = parent
	}

	if len(d.watchedOn) == 0 {
		return fmt.Errorf("pidfile: could not watch any ancestor of %s", path)
	}

	w.demands[unitID] = d

	// The file may already exist by the time we start watching.
	if pid, err := ReadPidFile(path, w.ownPid, 0); err == nil {
		delete(w.demands, unitID)
		w.loop.Post(eventloop.PriorityNormal, "pidfile", func() { onReady(pid, nil) })
	}

	return nil
}

// Unwatch removes unitID's demand, per the open-question resolution that
// the EventLoop source must be removed before the underlying fd is
// touched: here that means retiring the map entry (which stops further
// dispatch) before calling fsnotify.Remove.
func (w *Watcher) Unwatch(unitID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(unitID)
}

func (w *Watcher) unwatchLocked(unitID string) {
	d, ok := w.demands[unitID]
	if !ok {
		return
	}
	d.removed = true
	delete(w.demands, unitID)
	for _, dir := range d.watchedOn {
		if !w.dirStillNeededLocked(dir) {
			_ = w.fsw.Remove(dir)
		}
	}
}

func (w *Watcher) dirStillNeededLocked(dir string) bool {
	for _, d := range w.demands {
		for _, wd := range d.watchedOn {
			if wd == dir {
				return true
			}
		}
	}
	return false
}

// Close releases the underlying inotify fd.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	w.mu.Lock()
	candidates := make([]*demand, 0, len(w.demands))
	for _, d := range w.demands {
		if d.removed {
			continue
		}
		if ev.Op&fsnotify.Create != 0 && strings.HasPrefix(d.path, ev.Name+string(filepath.Separator)) {
			// A missing ancestor of the PID-file was just created: watch it
			// too, and check whether the file already appeared beneath it.
			if err := w.fsw.Add(ev.Name); err == nil {
				d.watchedOn = append(d.watchedOn, ev.Name)
			}
			candidates = append(candidates, d)
			continue
		}
		if ev.Name == d.path || filepath.Dir(ev.Name) == filepath.Dir(d.path) {
			candidates = append(candidates, d)
		}
	}
	w.mu.Unlock()

	for _, d := range candidates {
		pid, err := ReadPidFile(d.path, w.ownPid, 0)
		if err != nil {
			// Not yet readable or not yet valid; keep waiting for the
			// next event rather than failing outright.
			continue
		}
		w.mu.Lock()
		w.unwatchLocked(d.unitID)
		w.mu.Unlock()
		d.onReady(pid, nil)
	}
}

func (w *Watcher) handleError(err error) {
	w.logger.Error().Err(err).Msg("pidfile inotify read error")

	w.mu.Lock()
	demands := make([]*demand, 0, len(w.demands))
	for _, d := range w.demands {
		demands = append(demands, d)
	}
	for unitID := range w.demands {
		w.unwatchLocked(unitID)
	}
	w.mu.Unlock()

	for _, d := range demands {
		d.onReady(0, fmt.Errorf("pidfile: watch failed: %w", err))
	}
}

// ReadPidFile reads and validates a PID-file: first line, trimmed, parsed
// as a signed integer; rejected if it equals ownPid or controlPid, or if
// the process is not alive. Cgroup-ownership verification is left to the
// cgroup subsystem, out of scope here.
func ReadPidFile(path string, ownPid, controlPid int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("pidfile: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, fmt.Errorf("pidfile: read %s: %w", path, err)
		}
		return 0, fmt.Errorf("pidfile: %s is empty", path)
	}

	line := strings.TrimSpace(scanner.Text())
	pid, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s does not contain a decimal pid: %w", path, err)
	}

	if pid == ownPid {
		return 0, fmt.Errorf("pidfile: %s names sysmasterd's own pid", path)
	}
	if controlPid != 0 && pid == controlPid {
		return 0, fmt.Errorf("pidfile: %s names the current control pid", path)
	}
	if unix.Kill(pid, 0) != nil {
		return 0, fmt.Errorf("pidfile: pid %d in %s is not alive", pid, path)
	}

	return pid, nil
}
