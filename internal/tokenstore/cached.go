package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vidfriends/client/internal/models"
)

// Cached fronts a durable Store with an in-memory copy. The durable store is read once
// by Warm; afterwards reads are served from memory and every write goes to memory first
// and then through to the durable store.
type Cached struct {
	mem     *MemoryStore
	durable Store
	logger  *slog.Logger
}

// NewCached wraps durable. Call Warm before first use.
func NewCached(durable Store, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{mem: NewMemoryStore(), durable: durable, logger: logger}
}

// Warm loads the durable snapshot into memory.
func (c *Cached) Warm(ctx context.Context) error {
	session, err := c.durable.Session(ctx)
	switch {
	case err == nil:
		_ = c.mem.SaveSession(ctx, session)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("warm session: %w", err)
	}

	ent, err := c.durable.Entitlement(ctx)
	switch {
	case err == nil:
		_ = c.mem.SaveEntitlement(ctx, ent)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("warm entitlement: %w", err)
	}
	return nil
}

func (c *Cached) Session(ctx context.Context) (models.Session, error) {
	return c.mem.Session(ctx)
}

func (c *Cached) SaveSession(ctx context.Context, session models.Session) error {
	_ = c.mem.SaveSession(ctx, session)
	if err := c.durable.SaveSession(ctx, session); err != nil {
		c.logger.Error("persist session", "error", err)
		return err
	}
	return nil
}

func (c *Cached) Entitlement(ctx context.Context) (models.Entitlement, error) {
	return c.mem.Entitlement(ctx)
}

func (c *Cached) SaveEntitlement(ctx context.Context, ent models.Entitlement) error {
	_ = c.mem.SaveEntitlement(ctx, ent)
	if err := c.durable.SaveEntitlement(ctx, ent); err != nil {
		c.logger.Error("persist entitlement", "error", err)
		return err
	}
	return nil
}

func (c *Cached) Clear(ctx context.Context) error {
	_ = c.mem.Clear(ctx)
	if err := c.durable.Clear(ctx); err != nil {
		c.logger.Error("clear durable credentials", "error", err)
		return err
	}
	return nil
}

func (c *Cached) Close() error {
	return c.durable.Close()
}
