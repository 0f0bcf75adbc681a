package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// watchFile mirrors the teacher's --watch flag for a local YAML file: an
// fsnotify watcher on the file's containing directory (editors often
// replace the file rather than writing in place), reloading and notifying
// OnChange on every write/create/rename event for the watched path.
func (l *Loader) watchFile() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("config: fsnotify watcher: %v", err)
		return
	}
	defer watcher.Close()

	dir := l.options.Path
	if idx := lastSlash(dir); idx >= 0 {
		dir = dir[:idx]
	} else {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		log.Printf("config: fsnotify watch %s: %v", dir, err)
		return
	}

	for {
		select {
		case <-l.stopChan:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != l.options.Path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			l.reloadAndNotify(nil, nil)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: fsnotify error: %v", err)
		}
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
