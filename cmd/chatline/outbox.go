package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/courtdesk/chatline/pkg/gateway"
	"github.com/courtdesk/chatline/pkg/session"
)

const (
	outboxSettlePoll = 250 * time.Millisecond
	outboxSettleMax  = 10 * time.Second
)

// watchOutbox sends every file dropped into dir as an attachment to the
// active conversation. Files move to dir/sent once the gateway accepted the
// upload and to dir/failed otherwise.
func watchOutbox(ctx context.Context, log zerolog.Logger, client *gateway.Client, sess *session.Session, dir string) error {
	for _, sub := range []string{dir, filepath.Join(dir, "sent"), filepath.Join(dir, "failed")} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return fmt.Errorf("failed to create outbox directory: %w", err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create outbox watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log = log.With().Str("component", "outbox").Str("dir", dir).Logger()
	log.Info().Msg("Watching outbox")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(ev.Name)
			if strings.HasPrefix(base, ".") {
				continue
			}
			if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
				continue
			}
			processOutboxFile(ctx, log, client, sess, dir, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Outbox watcher error")
		}
	}
}

func processOutboxFile(ctx context.Context, log zerolog.Logger, client *gateway.Client, sess *session.Session, dir, path string) {
	base := filepath.Base(path)
	if err := waitForStableFile(ctx, path); err != nil {
		log.Warn().Err(err).Str("file", base).Msg("Skipping unstable outbox file")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("file", base).Msg("Failed to read outbox file")
		return
	}

	mime := mimetype.Detect(data)
	logEv := log.Info().Str("file", base).Str("mime", mime.String()).Int("bytes", len(data))
	if strings.HasPrefix(mime.String(), "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			logEv = logEv.Int("width", cfg.Width).Int("height", cfg.Height)
		}
	}
	logEv.Msg("Sending outbox file")

	id, err := client.UploadAttachment(ctx, base, data)
	if err == nil {
		_, err = sess.Send(ctx, "", id)
	}
	if err != nil {
		log.Warn().Err(err).Str("file", base).Msg("Failed to send outbox file")
		failedDir := filepath.Join(dir, "failed")
		moveOutboxFile(log, path, failedDir)
		note := filepath.Join(failedDir, base+".err")
		if werr := os.WriteFile(note, []byte(err.Error()+"\n"), 0644); werr != nil {
			log.Warn().Err(werr).Str("file", base).Msg("Failed to write error note")
		}
		return
	}
	moveOutboxFile(log, path, filepath.Join(dir, "sent"))
}

// waitForStableFile polls until the file size stops changing, so that a file
// still being copied into the outbox is not read half-written.
func waitForStableFile(ctx context.Context, path string) error {
	deadline := time.Now().Add(outboxSettleMax)
	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() > 0 && info.Size() == lastSize {
			return nil
		}
		lastSize = info.Size()
		if time.Now().After(deadline) {
			return fmt.Errorf("file %s did not settle", filepath.Base(path))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(outboxSettlePoll):
		}
	}
}

func moveOutboxFile(log zerolog.Logger, path, destDir string) {
	target := filepath.Join(destDir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(destDir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(path)))
	}
	if err := os.Rename(path, target); err != nil {
		log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("Failed to move outbox file")
	}
}
