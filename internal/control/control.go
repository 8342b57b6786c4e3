// Package control lets CLI commands talk to a running process without
// opening its database. Status change requests are dropped as files into a
// shared directory and applied by the running process; the running process in
// turn publishes its runtime snapshots and recent alerts to a file the CLI
// can read.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"binance-mm-runner/internal/models"

	"go.uber.org/zap"
)

const (
	requestExt    = ".status"
	publishedFile = "status.json"
)

// Published is what the running process exposes to CLI commands.
type Published struct {
	WrittenAt time.Time                `json:"written_at"`
	Snapshots []models.RuntimeSnapshot `json:"snapshots"`
	Alerts    []models.Alert           `json:"alerts"`
}

// ApplyFunc applies a requested status to a bot.
type ApplyFunc func(ctx context.Context, botID string, status models.BotStatus) error

// ParseStatus validates an operator supplied status.
func ParseStatus(s string) (models.BotStatus, error) {
	st := models.BotStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case models.StatusRunning, models.StatusPaused, models.StatusStopped:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Dir is the shared control directory.
type Dir struct {
	path   string
	logger *zap.Logger
}

// NewDir returns a Dir rooted at path.
func NewDir(path string, logger *zap.Logger) *Dir {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dir{path: path, logger: logger}
}

// RequestStatus asks the running process to move botID to status.
func (d *Dir) RequestStatus(botID string, status models.BotStatus) error {
	if botID == "" || strings.ContainsAny(botID, `/\`) {
		return fmt.Errorf("invalid bot id %q", botID)
	}
	return d.writeAtomic(botID+requestExt, []byte(status))
}

// ApplyRequests applies and removes every pending request. A request for an
// unknown bot or with a bad status is logged and discarded; other failures
// leave the request in place for the next scan.
func (d *Dir) ApplyRequests(ctx context.Context, apply ApplyFunc) (int, error) {
	entries, err := os.ReadDir(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, requestExt) {
			continue
		}
		path := filepath.Join(d.path, name)
		botID := strings.TrimSuffix(name, requestExt)

		raw, err := os.ReadFile(path)
		if err != nil {
			return applied, err
		}
		status, err := ParseStatus(string(raw))
		if err == nil {
			err = apply(ctx, botID, status)
		}
		var discard *DiscardError
		switch {
		case err == nil:
			applied++
			d.logger.Info("status request applied", zap.String("bot_id", botID), zap.String("status", string(status)))
		case errors.As(err, &discard) || status == "":
			d.logger.Warn("status request discarded", zap.String("bot_id", botID), zap.Error(err))
		default:
			d.logger.Warn("status request failed, will retry", zap.String("bot_id", botID), zap.Error(err))
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return applied, err
		}
	}
	return applied, nil
}

// DiscardError marks a request that can never succeed.
type DiscardError struct {
	Err error
}

func (e *DiscardError) Error() string { return e.Err.Error() }
func (e *DiscardError) Unwrap() error { return e.Err }

// Publish writes the runtime view for CLI commands.
func (d *Dir) Publish(p Published) error {
	sort.Slice(p.Snapshots, func(i, j int) bool { return p.Snapshots[i].BotID < p.Snapshots[j].BotID })
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return d.writeAtomic(publishedFile, raw)
}

// ReadPublished returns the last published view.
func (d *Dir) ReadPublished() (Published, error) {
	var p Published
	raw, err := os.ReadFile(filepath.Join(d.path, publishedFile))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", publishedFile, err)
	}
	return p, nil
}

func (d *Dir) writeAtomic(name string, data []byte) error {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.path, "."+name+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(d.path, name))
}

// Source supplies the data Publish writes.
type Source func(ctx context.Context) (Published, error)

// Loop applies requests and publishes status every interval until ctx is
// done. A value on kick forces an immediate pass.
func (d *Dir) Loop(ctx context.Context, every time.Duration, kick <-chan struct{}, apply ApplyFunc, source Source) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		d.pass(ctx, apply, source)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
	}
}

func (d *Dir) pass(ctx context.Context, apply ApplyFunc, source Source) {
	if _, err := d.ApplyRequests(ctx, apply); err != nil {
		d.logger.Warn("scan status requests failed", zap.Error(err))
	}
	if source == nil {
		return
	}
	p, err := source(ctx)
	if err != nil {
		d.logger.Debug("collect status failed", zap.Error(err))
		return
	}
	if err := d.Publish(p); err != nil {
		d.logger.Warn("publish status failed", zap.Error(err))
	}
}
