package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"forgebot/internal/domain"
)

// SessionSweeper drops expired prompt sessions.
type SessionSweeper interface {
	Sweep() int
}

// SweepSessions returns the session sweep action.
func SweepSessions(sessions SessionSweeper, logger *slog.Logger) func(context.Context) error {
	return func(context.Context) error {
		if n := sessions.Sweep(); n > 0 {
			logger.Info("expired prompt sessions removed", "count", n)
		}
		return nil
	}
}

// WorkspacePruner removes project directories older than MaxAge. Directories
// of runs still in progress are left alone.
type WorkspacePruner struct {
	Dir    string
	MaxAge time.Duration
	InUse  func(dir string) bool // optional
	Bus    domain.EventBus       // optional
	Logger *slog.Logger
	Now    func() time.Time // optional, for tests
}

// Prune is the workspace prune action. It returns the number of
// directories removed.
func (p *WorkspacePruner) Prune(ctx context.Context) (int, error) {
	if p.MaxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(p.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", p.Dir, err)
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().Add(-p.MaxAge)

	var removed int
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		dir := filepath.Join(p.Dir, e.Name())
		if p.InUse != nil && p.InUse(dir) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		removed++
		age := now().Sub(info.ModTime()).Round(time.Minute)
		p.Logger.Info("pruned old workspace", "path", dir, "age", age)
		if p.Bus != nil {
			p.Bus.Publish(ctx, domain.NewEvent(domain.EventWorkspacePruned, "", map[string]string{
				"path": dir,
				"age":  age.String(),
			}))
		}
	}
	return removed, errors.Join(errs...)
}

// Action adapts Prune to Scheduler.RegisterAction.
func (p *WorkspacePruner) Action() func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := p.Prune(ctx)
		return err
	}
}
