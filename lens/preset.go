package lens

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// Breakpoint presets let a deployment ship its debugging posture as a TOML
// file instead of issuing API calls after every server restart:
//
//	[default]
//	before = "go"
//	after = "go"
//
//	[breakpoints."billing.Charge"]
//	before = "stop"
//	after = "stop_exception"
//	replacement = "billing.ChargeDryRun"
//
// Presets upsert into the manager; breakpoints an operator added by hand and
// that the file never mentions are left alone.

type presetFile struct {
	Default     presetBehavior              `toml:"default"`
	Breakpoints map[string]presetBreakpoint `toml:"breakpoints"`
}

type presetBehavior struct {
	Before string `toml:"before"`
	After  string `toml:"after"`
}

type presetBreakpoint struct {
	Before      string `toml:"before"`
	After       string `toml:"after"`
	Replacement string `toml:"replacement"`
}

// LoadPresets reads path and applies it to the manager. The file is
// validated in full before anything applies, so a malformed or partially
// invalid file leaves the previous configuration untouched. Replacement
// bindings are checked against reg the same way the configuration API
// checks them; a binding both sides of which are registered with mismatched
// signatures is logged and dropped while the rest of the file still applies.
func LoadPresets(path string, m *Manager, reg *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return applyPresets(data, m, reg)
}

func applyPresets(data []byte, m *Manager, reg *Registry) error {
	var file presetFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing presets: %w", err)
	}

	hasDefault := file.Default.Before != "" || file.Default.After != ""
	defBefore, defAfter := Behavior(file.Default.Before), Behavior(file.Default.After)
	if hasDefault {
		if defBefore == "" {
			defBefore = BehaviorGo
		}
		if defAfter == "" {
			defAfter = BehaviorGo
		}
		if !validBeforeBehavior(defBefore) {
			return fmt.Errorf("presets: invalid default before behavior %q", file.Default.Before)
		}
		if !validAfterBehavior(defAfter) {
			return fmt.Errorf("presets: invalid default after behavior %q", file.Default.After)
		}
	}

	names := make([]string, 0, len(file.Breakpoints))
	for name, bp := range file.Breakpoints {
		if name == "" {
			return fmt.Errorf("presets: breakpoint with empty name")
		}
		if bp.Before != "" && !validBeforeBehavior(Behavior(bp.Before)) {
			return fmt.Errorf("presets: breakpoint %s: invalid before behavior %q", name, bp.Before)
		}
		if bp.After != "" && !validAfterBehavior(Behavior(bp.After)) {
			return fmt.Errorf("presets: breakpoint %s: invalid after behavior %q", name, bp.After)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if hasDefault {
		if err := m.SetDefault(defBefore, defAfter); err != nil {
			return err
		}
	}
	for _, name := range names {
		bp := file.Breakpoints[name]
		before, after := Behavior(bp.Before), Behavior(bp.After)
		if before == "" {
			before = BehaviorGo
		}
		if after == "" {
			after = BehaviorGo
		}
		if err := m.SetBreakpoint(name, before, after); err != nil {
			return err
		}
		if bp.Replacement != "" {
			if err := reg.ValidateReplacement(name, bp.Replacement); err != nil {
				log.Printf("%sPreset replacement %s -> %s rejected: %v", ErrorLogPrefix, name, bp.Replacement, err)
				continue
			}
			m.SetReplacement(name, bp.Replacement)
		}
	}
	return nil
}

// WatchPresets loads path and reloads it whenever the file changes, until
// ctx is canceled. The parent directory is watched rather than the file so
// editors that replace on save still trigger reloads. A file that turns
// malformed keeps the last good configuration. The returned error reflects
// only the initial load; a missing file is not an error, it may appear later.
func WatchPresets(ctx context.Context, path string, m *Manager, reg *Registry) error {
	loadErr := LoadPresets(path, m, reg)
	if os.IsNotExist(loadErr) {
		loadErr = nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("%sFailed to create preset watcher: %v (presets will not reload)", ErrorLogPrefix, err)
		return loadErr
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		log.Printf("%sFailed to watch %s: %v (presets will not reload)", ErrorLogPrefix, filepath.Dir(path), err)
		return loadErr
	}

	go func() {
		defer watcher.Close()
		debounce := newDebounceTimer()
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				resetDebounceTimer(debounce)

			case <-debounce.C:
				if err := LoadPresets(path, m, reg); err != nil {
					if !os.IsNotExist(err) {
						log.Printf("%sPreset reload failed, keeping previous configuration: %v", ErrorLogPrefix, err)
					}
					continue
				}
				log.Printf("Breakpoint presets reloaded from %s", path)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("%sPreset watcher error: %v", ErrorLogPrefix, err)
			}
		}
	}()
	return loadErr
}

// newDebounceTimer returns a stopped timer ready for resetDebounceTimer;
// rapid event bursts from a single save collapse into one reload.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	const debounceDuration = 100 * time.Millisecond
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
