// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery implements the QoS delivery engine: it drains destination
// queues into client connections, runs the QoS 1/2 handshakes and redelivers
// unacknowledged messages.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/mqcore/config"
	"github.com/absmach/mqcore/distribute"
	"github.com/absmach/mqcore/router"
	"github.com/absmach/mqcore/session"
	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/types"
)

// ErrIDExhausted is returned when a session has no free packet identifier.
// The affected message stays queued and is retried once an id frees up.
var ErrIDExhausted = errors.New("packet identifiers exhausted")

const pollWorkers = 4

// routeKey identifies one in-flight delivery of one client.
type routeKey struct {
	clientID string
	packetID uint16
}

// route remembers where an in-flight message came from so the queue entry
// can be completed once the handshake finishes.
type route struct {
	dest     string
	shared   bool
	uniqueID string
}

type pollJob struct {
	dest   string
	shared bool
	// member is the offered group member for shared jobs.
	member string
}

// Engine drives message delivery for all sessions.
type Engine struct {
	cfg      config.DeliveryConfig
	sessions session.Cache
	queues   storage.QueueStore
	router   *router.TrieRouter
	strategy distribute.Strategy
	logger   *slog.Logger

	mu     sync.Mutex
	routes map[routeKey]route
	// activeShared guards against offering the same shared queue entry to
	// two members at once, keyed by group key and entry unique id.
	activeShared map[string]map[string]struct{}

	limits *limiterPool

	jobs    chan pollJob
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// Option configures the Engine.
type Option func(*Engine)

// WithStrategy overrides the member selection used when re-offering shared
// messages.
func WithStrategy(s distribute.Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a delivery engine.
func NewEngine(cfg config.DeliveryConfig, sessions session.Cache, queues storage.QueueStore, rt *router.TrieRouter, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:          cfg,
		sessions:     sessions,
		queues:       queues,
		router:       rt,
		strategy:     distribute.NewRoundRobin(),
		logger:       slog.Default(),
		routes:       make(map[routeKey]route),
		activeShared: make(map[string]map[string]struct{}),
		limits:       newLimiterPool(cfg.RedeliveryRate, cfg.RedeliveryBurst),
		jobs:         make(chan pollJob, 1024),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the poll workers and the redelivery timer.
func (e *Engine) Start() {
	e.started.Store(true)
	for i := 0; i < pollWorkers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.retryLoop()
}

// Close stops the engine and waits for its goroutines.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.jobs:
			var err error
			if job.shared {
				err = e.PollShared(e.ctx, job.dest, job.member)
			} else {
				err = e.PollClient(e.ctx, job.dest)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("poll failed",
					slog.String("destination", job.dest),
					slog.Bool("shared", job.shared),
					slog.Any("error", err))
			}
		}
	}
}

func (e *Engine) submit(job pollJob) {
	if !e.started.Load() {
		// Synchronous fallback, used before Start and in tests.
		if job.shared {
			_ = e.PollShared(e.ctx, job.dest, job.member)
		} else {
			_ = e.PollClient(e.ctx, job.dest)
		}
		return
	}
	select {
	case e.jobs <- job:
	case <-e.ctx.Done():
	}
}

// NotifyClient implements distribute.Notifier.
func (e *Engine) NotifyClient(clientID string) {
	e.submit(pollJob{dest: clientID})
}

// NotifyShared implements distribute.Notifier.
func (e *Engine) NotifyShared(groupKey, clientID string) {
	e.submit(pollJob{dest: groupKey, shared: true, member: clientID})
}

// Connect attaches a sink to the client's session and resumes deliveries:
// in-flight entries first, with the DUP flag where the protocol asks for it,
// then any backlog that fits the window.
func (e *Engine) Connect(ctx context.Context, clientID string, sink session.Sink, receiveMaximum uint16) (*session.Session, error) {
	s := e.sessions.GetOrCreate(clientID, receiveMaximum)
	s.Connect(sink, receiveMaximum)
	e.logger.Info("session connected",
		slog.String("client_id", clientID),
		slog.Int("receive_maximum", int(s.ReceiveMaximum())))

	if err := e.resume(ctx, s); err != nil {
		return s, fmt.Errorf("resume deliveries for %s: %w", clientID, err)
	}
	e.submit(pollJob{dest: clientID})
	return s, nil
}

// resume redelivers entries that were in flight when the client was last
// connected. Both PUBREL markers and PUBLISH entries reuse the packet
// identifier persisted when the flow opened, where it is still free.
func (e *Engine) resume(ctx context.Context, s *session.Session) error {
	inflight, err := e.queues.ReadInflight(ctx, s.ID, false, int(s.ReceiveMaximum()))
	if err != nil {
		return err
	}
	for i, msg := range inflight {
		if !s.Connected() {
			return nil
		}
		if msg.Kind == types.KindPubrel {
			if err := e.sendPubrel(ctx, s, msg, s.ID, false); err != nil {
				return err
			}
			continue
		}
		redo := types.CopyMessage(msg)
		redo.Dup = redo.QoS > 0
		if err := e.send(ctx, s, redo, s.ID, false); err != nil {
			if errors.Is(err, ErrIDExhausted) {
				e.requeueTail(ctx, s.ID, false, inflight[i:])
				return nil
			}
			return err
		}
	}
	return nil
}

// Disconnect detaches the client's sink. In-flight messages stay queued; ids
// of deliveries that never completed return to the allocator so the flows
// restart cleanly on reconnect.
func (e *Engine) Disconnect(clientID string) {
	s := e.sessions.Get(clientID)
	if s == nil {
		return
	}
	s.Disconnect()

	drained := s.Inflight().Drain()
	e.mu.Lock()
	for _, m := range drained {
		key := routeKey{clientID: clientID, packetID: m.PacketID}
		if r, ok := e.routes[key]; ok {
			if r.shared {
				e.releaseSharedLocked(r.dest, r.uniqueID)
			}
			delete(e.routes, key)
		}
		s.Allocator().Return(m.PacketID)
	}
	e.mu.Unlock()

	if !e.cfg.QueueQoS0Offline {
		e.purgeQoS0(clientID)
	}

	e.limits.drop(clientID)
	e.logger.Info("session disconnected",
		slog.String("client_id", clientID),
		slog.Int("inflight_requeued", len(drained)))
}

// purgeQoS0 drops undelivered at-most-once entries from the client queue.
// They were accepted while the client was connected and lose their delivery
// window on disconnect.
func (e *Engine) purgeQoS0(clientID string) {
	ctx := context.Background()
	limit := e.cfg.MaxQueueSize
	if limit <= 0 {
		limit = 1000
	}
	msgs, err := e.queues.ReadNew(ctx, clientID, false, limit)
	if err != nil {
		e.logger.Warn("purge qos0 failed",
			slog.String("client_id", clientID),
			slog.Any("error", err))
		return
	}
	var keep []*types.Message
	for _, msg := range msgs {
		if msg.QoS > 0 {
			keep = append(keep, msg)
			continue
		}
		if err := e.queues.Remove(ctx, clientID, false, msg.UniqueID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("purge qos0 failed",
				slog.String("client_id", clientID),
				slog.Any("error", err))
		}
	}
	e.requeueTail(ctx, clientID, false, keep)
}

// PollClient drains the client's queue into its connection, bounded by the
// free in-flight window.
func (e *Engine) PollClient(ctx context.Context, clientID string) error {
	s := e.sessions.Get(clientID)
	if s == nil || !s.Connected() {
		return nil
	}

	window := s.Window()
	if window == 0 {
		return nil
	}
	msgs, err := e.queues.ReadNew(ctx, clientID, false, window)
	if err != nil {
		return fmt.Errorf("read queue of %s: %w", clientID, err)
	}

	for i, msg := range msgs {
		if !s.Connected() {
			e.requeueTail(ctx, clientID, false, msgs[i:])
			return nil
		}
		if err := e.send(ctx, s, msg, clientID, false); err != nil {
			// Un-mark the unsent remainder so the next poll sees it
			// again, only the current delivery is deferred.
			e.requeueTail(ctx, clientID, false, msgs[i:])
			if errors.Is(err, ErrIDExhausted) {
				return nil
			}
			return err
		}
	}
	return nil
}

// requeueTail returns read but unsent messages to the head of the queue,
// unmarked and in their original order. PUBREL markers keep their in-flight
// mark, they resume through ReadInflight only.
func (e *Engine) requeueTail(ctx context.Context, dest string, shared bool, msgs []*types.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Kind == types.KindPubrel {
			continue
		}
		if err := e.queues.Remove(ctx, dest, shared, msg.UniqueID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("requeue failed",
				slog.String("destination", dest),
				slog.Any("error", err))
			continue
		}
		if err := e.queues.AddHead(ctx, dest, shared, msg); err != nil {
			e.logger.Warn("requeue failed",
				slog.String("destination", dest),
				slog.Any("error", err))
		}
	}
}

// PollShared drains the shared group queue, preferring the offered member and
// skipping members without window space.
func (e *Engine) PollShared(ctx context.Context, groupKey, preferred string) error {
	group, filter, ok := splitGroupKey(groupKey)
	if !ok {
		return fmt.Errorf("malformed share group key %q", groupKey)
	}
	members := e.router.GroupMembers(group, filter)
	if len(members) == 0 {
		return nil
	}

	for {
		member := e.pickMember(groupKey, members, preferred)
		if member == nil {
			return nil
		}
		preferred = ""

		s := e.sessions.Get(member.ClientID)
		if s == nil {
			continue
		}
		limit := s.Window()
		batch, err := e.nextSharedBatch(ctx, groupKey, limit)
		if err != nil {
			return fmt.Errorf("read group queue %s: %w", groupKey, err)
		}
		if len(batch) == 0 {
			return nil
		}

		for i, msg := range batch {
			if !s.Connected() {
				e.releaseBatch(groupKey, batch[i:])
				break
			}
			if msg.Kind == types.KindPubrel {
				err = e.sendPubrel(ctx, s, msg, groupKey, true)
			} else {
				out := types.CopyMessage(msg)
				out.QoS = min(out.QoS, member.QoS)
				out.SubscriptionIDs = append([]uint32(nil), member.SubscriptionIDs...)
				err = e.send(ctx, s, out, groupKey, true)
				if err == nil && out.QoS == 0 {
					// Completed immediately, no handshake to
					// release the claim later.
					e.releaseShared(groupKey, msg.UniqueID)
				}
			}
			if err != nil {
				e.releaseBatch(groupKey, batch[i:])
				if errors.Is(err, ErrIDExhausted) {
					// The member is out of ids; stop instead of
					// spinning on the same entry.
					return nil
				}
				return err
			}
		}
	}
}

// pickMember returns a connected member with window space, trying the
// preferred one first. Nil when no member can take a message now.
func (e *Engine) pickMember(groupKey string, members []*router.Subscriber, preferred string) *router.Subscriber {
	byID := make(map[string]*router.Subscriber, len(members))
	var candidates []string
	for _, m := range members {
		s := e.sessions.Get(m.ClientID)
		if s == nil || !s.Connected() || s.Window() == 0 {
			continue
		}
		byID[m.ClientID] = m
		candidates = append(candidates, m.ClientID)
	}
	if preferred != "" {
		if m, ok := byID[preferred]; ok {
			return m
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return byID[e.strategy.Select(groupKey, candidates)]
}

// nextSharedBatch reads resumable in-flight entries first, then new traffic,
// claiming each returned entry against concurrent group polls.
func (e *Engine) nextSharedBatch(ctx context.Context, groupKey string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	inflight, err := e.queues.ReadInflight(ctx, groupKey, true, limit)
	if err != nil {
		return nil, err
	}
	var batch []*types.Message
	for _, msg := range inflight {
		if e.claimShared(groupKey, msg.UniqueID) {
			if msg.Kind != types.KindPubrel {
				msg = types.CopyMessage(msg)
				msg.Dup = msg.QoS > 0
			}
			batch = append(batch, msg)
		}
	}
	if len(batch) >= limit {
		return batch[:limit], nil
	}

	fresh, err := e.queues.ReadNew(ctx, groupKey, true, limit-len(batch))
	if err != nil {
		return nil, err
	}
	for _, msg := range fresh {
		if e.claimShared(groupKey, msg.UniqueID) {
			batch = append(batch, msg)
		}
	}
	return batch, nil
}

// send writes one PUBLISH to the session sink and opens the QoS handshake.
func (e *Engine) send(ctx context.Context, s *session.Session, msg *types.Message, dest string, shared bool) error {
	if msg.QoS == 0 {
		frame := &types.Frame{Type: types.FramePublish, Message: msg}
		if err := s.Sink().Write(ctx, frame); err != nil {
			e.logger.Warn("write failed",
				slog.String("client_id", s.ID),
				slog.String("topic", msg.Topic),
				slog.Any("error", err))
		}
		// At most once: the entry completes no matter what.
		if err := e.queues.Remove(ctx, dest, shared, msg.UniqueID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}

	// Reuse the identifier persisted on the entry when it is still free,
	// so a flow interrupted by a reconnect resumes under the same id.
	id := msg.PacketID
	if id == 0 || s.Allocator().TakeSpecific(id) != nil {
		var err error
		id, err = s.Allocator().TakeNext()
		if err != nil {
			e.logger.Warn("packet identifiers exhausted",
				slog.String("client_id", s.ID))
			return ErrIDExhausted
		}
	}

	msg.PacketID = id
	if err := s.Inflight().Add(id, msg, session.StatePublishSent); err != nil {
		s.Allocator().Return(id)
		return err
	}
	e.trackRoute(s.ID, id, route{dest: dest, shared: shared, uniqueID: msg.UniqueID})

	// Persist the assigned id on the queue entry. Shared entries are left
	// alone, they can be re-offered to another member where the id has no
	// meaning.
	if !shared {
		if err := e.queues.Replace(ctx, dest, shared, msg.UniqueID, msg); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("persist packet id failed",
				slog.String("client_id", s.ID),
				slog.Any("error", err))
		}
	}

	frame := &types.Frame{Type: types.FramePublish, PacketID: id, Message: msg}
	if err := s.Sink().Write(ctx, frame); err != nil {
		// The queue entry stays in-flight for the next session; the
		// handshake state of this connection is gone.
		e.dropHandshake(s, id)
		e.logger.Warn("write failed",
			slog.String("client_id", s.ID),
			slog.String("topic", msg.Topic),
			slog.Any("error", err))
		return nil
	}
	return nil
}

// sendPubrel resumes a QoS 2 flow from its marker, reusing the original
// packet identifier.
func (e *Engine) sendPubrel(ctx context.Context, s *session.Session, marker *types.Message, dest string, shared bool) error {
	id := marker.PacketID
	if err := s.Allocator().TakeSpecific(id); err != nil {
		// Already taken by this session, the flow is live.
		return nil
	}
	if err := s.Inflight().Add(id, marker, session.StatePubrelSent); err != nil {
		s.Allocator().Return(id)
		return err
	}
	e.trackRoute(s.ID, id, route{dest: dest, shared: shared, uniqueID: marker.UniqueID})

	frame := &types.Frame{Type: types.FramePubrel, PacketID: id}
	if err := s.Sink().Write(ctx, frame); err != nil {
		e.dropHandshake(s, id)
		e.logger.Warn("pubrel write failed",
			slog.String("client_id", s.ID),
			slog.Any("error", err))
	}
	return nil
}

// HandlePuback completes a QoS 1 delivery.
func (e *Engine) HandlePuback(ctx context.Context, clientID string, packetID uint16) error {
	return e.complete(ctx, clientID, packetID)
}

// HandlePubrec advances a QoS 2 delivery: the queue entry is replaced with a
// PUBREL marker and PUBREL goes out on the wire.
func (e *Engine) HandlePubrec(ctx context.Context, clientID string, packetID uint16) error {
	s := e.sessions.Get(clientID)
	if s == nil {
		return session.ErrPacketNotFound
	}
	if err := s.Inflight().UpdateState(packetID, session.StatePubrelSent); err != nil {
		return err
	}

	r, ok := e.lookupRoute(clientID, packetID)
	if ok {
		marker := types.NewPubrelMarker(packetID)
		marker.UniqueID = r.uniqueID
		if err := e.queues.Replace(ctx, r.dest, r.shared, r.uniqueID, marker); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("persist pubrel marker for %s: %w", clientID, err)
		}
	}

	if s.Connected() {
		frame := &types.Frame{Type: types.FramePubrel, PacketID: packetID}
		if err := s.Sink().Write(ctx, frame); err != nil {
			e.logger.Warn("pubrel write failed",
				slog.String("client_id", clientID),
				slog.Any("error", err))
		}
	}
	return nil
}

// HandlePubcomp completes a QoS 2 delivery.
func (e *Engine) HandlePubcomp(ctx context.Context, clientID string, packetID uint16) error {
	return e.complete(ctx, clientID, packetID)
}

// complete finishes a handshake: the queue entry is removed, the id returns
// to the allocator and the freed window slot is refilled.
func (e *Engine) complete(ctx context.Context, clientID string, packetID uint16) error {
	s := e.sessions.Get(clientID)
	if s == nil {
		return session.ErrPacketNotFound
	}
	if _, err := s.Inflight().Ack(packetID); err != nil {
		return err
	}

	if r, ok := e.takeRoute(clientID, packetID); ok {
		if err := e.queues.Remove(ctx, r.dest, r.shared, r.uniqueID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("complete delivery for %s: %w", clientID, err)
		}
	}
	s.Allocator().Return(packetID)
	e.submit(pollJob{dest: clientID})
	return nil
}

func (e *Engine) trackRoute(clientID string, packetID uint16, r route) {
	e.mu.Lock()
	e.routes[routeKey{clientID: clientID, packetID: packetID}] = r
	e.mu.Unlock()
}

func (e *Engine) lookupRoute(clientID string, packetID uint16) (route, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routes[routeKey{clientID: clientID, packetID: packetID}]
	return r, ok
}

func (e *Engine) takeRoute(clientID string, packetID uint16) (route, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := routeKey{clientID: clientID, packetID: packetID}
	r, ok := e.routes[key]
	if ok {
		delete(e.routes, key)
		if r.shared {
			e.releaseSharedLocked(r.dest, r.uniqueID)
		}
	}
	return r, ok
}

// dropHandshake abandons the connection-local handshake state of one packet
// while keeping the queue entry for a later resume.
func (e *Engine) dropHandshake(s *session.Session, packetID uint16) {
	s.Inflight().Remove(packetID)
	e.takeRoute(s.ID, packetID)
	s.Allocator().Return(packetID)
}

func (e *Engine) claimShared(groupKey, uniqueID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	active, ok := e.activeShared[groupKey]
	if !ok {
		active = make(map[string]struct{})
		e.activeShared[groupKey] = active
	}
	if _, taken := active[uniqueID]; taken {
		return false
	}
	active[uniqueID] = struct{}{}
	return true
}

// releaseBatch drops the claims of entries that were batched but not sent.
func (e *Engine) releaseBatch(groupKey string, msgs []*types.Message) {
	e.mu.Lock()
	for _, msg := range msgs {
		e.releaseSharedLocked(groupKey, msg.UniqueID)
	}
	e.mu.Unlock()
}

func (e *Engine) releaseShared(groupKey, uniqueID string) {
	e.mu.Lock()
	e.releaseSharedLocked(groupKey, uniqueID)
	e.mu.Unlock()
}

func (e *Engine) releaseSharedLocked(groupKey, uniqueID string) {
	if active, ok := e.activeShared[groupKey]; ok {
		delete(active, uniqueID)
		if len(active) == 0 {
			delete(e.activeShared, groupKey)
		}
	}
}

func splitGroupKey(groupKey string) (group, filter string, ok bool) {
	for i := 0; i < len(groupKey); i++ {
		if groupKey[i] == '/' {
			if i == 0 || i == len(groupKey)-1 {
				return "", "", false
			}
			return groupKey[:i], groupKey[i+1:], true
		}
	}
	return "", "", false
}
