package engine

import (
	"context"
	"fmt"
	"time"
)

// DefaultHeartbeat is how often Presence.Run refreshes the user's entry.
const DefaultHeartbeat = 30 * time.Second

const (
	PresenceJoin      = "join"
	PresenceLeave     = "leave"
	PresenceHeartbeat = "heartbeat"
)

// Presence announces the local user to the backing store.
type Presence struct {
	e        *Engine
	interval time.Duration
}

// Presence returns the engine's presence announcer. interval <= 0 uses
// DefaultHeartbeat.
func (e *Engine) Presence(interval time.Duration) *Presence {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	return &Presence{e: e, interval: interval}
}

func (p *Presence) Join(ctx context.Context) error      { return p.announce(ctx, PresenceJoin) }
func (p *Presence) Leave(ctx context.Context) error     { return p.announce(ctx, PresenceLeave) }
func (p *Presence) Heartbeat(ctx context.Context) error { return p.announce(ctx, PresenceHeartbeat) }

func (p *Presence) announce(ctx context.Context, action string) error {
	if p.e.cfg.User == "" {
		return fmt.Errorf("presence %s: no user configured", action)
	}
	if err := p.e.transport.Presence(ctx, p.e.cfg.User, action); err != nil {
		return fmt.Errorf("presence %s: %w", action, err)
	}
	return nil
}

// Run joins, heartbeats every interval until ctx is done, then leaves.
// Heartbeat failures are logged and retried on the next beat.
func (p *Presence) Run(ctx context.Context) error {
	ticker := p.e.clock.NewTicker(p.interval)
	defer ticker.Stop()
	if err := p.Join(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), p.e.cfg.FetchTimeout)
			defer cancel()
			return p.Leave(leaveCtx)
		case <-ticker.C():
			if err := p.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				p.e.logger.Debug("presence heartbeat failed", "error", err)
			}
		}
	}
}
