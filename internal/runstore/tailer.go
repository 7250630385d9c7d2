package runstore

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Tail streams a run's event log to w. With follow, it watches the file and
// keeps emitting new lines until the context is cancelled.
func Tail(ctx context.Context, runDir string, follow bool, w io.Writer) error {
	path := filepath.Join(runDir, "run.log")

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(runDir); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path || !ev.Has(fsnotify.Write) {
				continue
			}
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					if _, werr := io.WriteString(w, line); werr != nil {
						return werr
					}
				}
				if err != nil {
					break
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
