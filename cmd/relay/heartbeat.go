package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/yanun0323/logs"
)

// heartbeat touches path every interval until ctx is done.
func heartbeat(ctx context.Context, path string, interval time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	touch := func() {
		now := time.Now()
		err := os.Chtimes(path, now, now)
		if errors.Is(err, fs.ErrNotExist) {
			err = os.WriteFile(path, nil, 0o644)
		}
		if err != nil {
			logs.Warnf("touch heartbeat %s, err: %+v", path, err)
		}
	}
	touch()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			touch()
		}
	}
}
