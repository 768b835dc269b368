package ops

import (
	"context"
	"os"
	"time"

	"github.com/yanun0323/logs"
)

// Watch polls the modification time of the config file and hands every
// successfully reloaded config to update. A file that fails to load keeps
// the previous config in place and is retried on its next change.
func Watch(ctx context.Context, path string, interval time.Duration, update func(Loaded)) {
	if path == "" || interval <= 0 || update == nil {
		return
	}

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Errorf("config stat failed, err: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			loaded, err := Load(path)
			if err != nil {
				logs.Errorf("config reload failed, keeping previous config, err: %+v", err)
				continue
			}
			update(loaded)
			logs.Infof("config reloaded: %s", path)
		}
	}
}
