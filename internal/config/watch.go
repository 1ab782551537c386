package config

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path on every write and hands the new Config to onChange. A
// reload that fails validation is logged and the previous config stays in
// effect. Watch returns when ctx is done.
//
// The parent directory is watched rather than the file, so saves that write
// a temp file and rename it over path keep triggering reloads.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	log.Printf("config watching path=%s", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				log.Printf("config reload failed path=%s err=%v (keeping previous config)", path, err)
				continue
			}
			log.Printf("config reloaded path=%s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config watcher error: %v", err)
		}
	}
}
