package controller

import (
	"github.com/fsnotify/fsnotify"

	"github.com/ccvpn-oss/ccvpn/ccerr"
)

// WatchConfig watches the profile's backing config file and calls
// onChanged whenever a write or create event arrives for it
// (SIGHUP's usual job, done via fsnotify instead since the controller
// already runs an event loop and a file watch composes more simply
// than a signal handler threading a profile back through it). The
// callback receives no arguments: the caller owns re-reading,
// validating and swapping the profile into the controller; WatchConfig
// only detects the edit.
func WatchConfig(path string, onChanged func()) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ccerr.Config("config_watch_failed", "create config file watcher", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, ccerr.Config("config_watch_add_failed", "watch config file "+path, err)
	}
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChanged()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}
