// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/mqcore/session"
	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/types"
)

// limiterPool holds one redelivery rate limiter per client.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterPool(perSecond float64, burst int) *limiterPool {
	if perSecond <= 0 {
		perSecond = float64(rate.Inf)
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (p *limiterPool) get(clientID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[clientID] = l
	}
	return l
}

func (p *limiterPool) drop(clientID string) {
	p.mu.Lock()
	delete(p.limiters, clientID)
	p.mu.Unlock()
}

// retryLoop periodically redelivers messages whose handshake timed out.
func (e *Engine) retryLoop() {
	defer e.wg.Done()

	interval := e.cfg.RetryInterval / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.retryExpired(e.ctx)
		}
	}
}

// retryExpired scans every connected session for handshakes older than the
// retry interval and redelivers them, paced per client.
func (e *Engine) retryExpired(ctx context.Context) {
	e.sessions.ForEach(func(s *session.Session) {
		if !s.Connected() {
			return
		}
		expired := s.Inflight().GetExpired(e.cfg.RetryInterval)
		if len(expired) == 0 {
			return
		}

		limiter := e.limits.get(s.ID)
		for _, m := range expired {
			if !limiter.Allow() {
				// Over the pacing budget; the rest keeps its
				// place until the next tick.
				return
			}
			if e.cfg.MaxRetries > 0 && m.Retries >= e.cfg.MaxRetries {
				e.abandon(ctx, s, m)
				continue
			}
			e.redeliver(ctx, s, m)
		}
	})
}

// redeliver re-sends one expired in-flight message on the live connection.
func (e *Engine) redeliver(ctx context.Context, s *session.Session, m *session.InflightMessage) {
	if err := s.Inflight().MarkRetry(m.PacketID); err != nil {
		// Acknowledged between the scan and now.
		return
	}

	var frame *types.Frame
	if m.State == session.StatePubrelSent {
		frame = &types.Frame{Type: types.FramePubrel, PacketID: m.PacketID}
	} else {
		redo := types.CopyMessage(m.Message)
		redo.Dup = true
		redo.PacketID = m.PacketID
		frame = &types.Frame{Type: types.FramePublish, PacketID: m.PacketID, Message: redo}
	}

	e.logger.Debug("redelivering",
		slog.String("client_id", s.ID),
		slog.Int("packet_id", int(m.PacketID)),
		slog.Int("retries", m.Retries+1))

	if err := s.Sink().Write(ctx, frame); err != nil {
		e.logger.Warn("redelivery write failed",
			slog.String("client_id", s.ID),
			slog.Int("packet_id", int(m.PacketID)),
			slog.Any("error", err))
	}
}

// abandon gives up on a message that exceeded the retry cap. The queue entry
// is dropped so it cannot come back on reconnect.
func (e *Engine) abandon(ctx context.Context, s *session.Session, m *session.InflightMessage) {
	s.Inflight().Remove(m.PacketID)
	if r, ok := e.takeRoute(s.ID, m.PacketID); ok {
		if err := e.queues.Remove(ctx, r.dest, r.shared, r.uniqueID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Error("dropping exhausted delivery failed",
				slog.String("client_id", s.ID),
				slog.Any("error", err))
		}
	}
	s.Allocator().Return(m.PacketID)

	e.logger.Warn("delivery abandoned after retry cap",
		slog.String("client_id", s.ID),
		slog.String("topic", m.Message.Topic),
		slog.Int("packet_id", int(m.PacketID)),
		slog.Int("retries", m.Retries))
}
