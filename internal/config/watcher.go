package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the data directory's .env file and applies log level
// changes at runtime. Other settings require a restart.
type Watcher struct {
	envPath  string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

// NewWatcher creates a watcher over cfg.DataDir/.env.
func NewWatcher(cfg *Config) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		envPath:  filepath.Join(cfg.DataDir, ".env"),
		watcher:  w,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins watching. Watching the directory rather than the file
// survives editors that replace the file on save.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return err
	}
	go w.run()
	log.Info().Str("path", w.envPath).Msg("watching .env for log level changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce, the write may still be in progress.
			time.Sleep(100 * time.Millisecond)
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("failed to read .env file")
		}
		return
	}

	levelStr, ok := envMap["BYS_LOG_LEVEL"]
	if !ok {
		return
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		log.Warn().Str("level", levelStr).Msg("ignoring invalid log level")
		return
	}
	if zerolog.GlobalLevel() != level {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("level", level.String()).Msg("log level updated from .env")
	}
}
