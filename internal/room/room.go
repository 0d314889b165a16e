// Package room implements the per-room session actor: join validation and
// authorization, session locks, rate limiting, presence ownership,
// liveness checks, debounced persistence and empty-room expiry.
//
// Every room runs on one goroutine. Public methods hand work to it through
// a mailbox, so nothing inside a room is guarded by locks.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tablesync/tablesync/internal/config"
	"github.com/tablesync/tablesync/internal/logging"
	"github.com/tablesync/tablesync/internal/metrics"
	"github.com/tablesync/tablesync/internal/protocol"
	"github.com/tablesync/tablesync/internal/storage"
	"github.com/tablesync/tablesync/internal/syncdoc"
)

const mailboxSize = 256

// ConnID identifies a connection within a room. IDs start at 1 and are
// never reused by the same room.
type ConnID uint64

// Conn is the transport side of a connection. Both methods are called from
// the room goroutine and must not block on the network.
type Conn interface {
	// Send queues a binary frame. An error means the connection is dead.
	Send(frame []byte) error
	// SendBatch queues frames in order as a single unit. It is used for
	// document catch-up, which may exceed any per-frame queue bound.
	SendBatch(frames [][]byte) error
	// Close starts closing the socket with the given code.
	Close(code websocket.StatusCode, reason string)
}

// Options configures a Room. Store and Config are required.
type Options struct {
	Config  config.RoomConfig
	Store   storage.Store
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// OnRetire runs on the room goroutine after an empty-room expiry.
	// The room refuses all work once it returns.
	OnRetire func(*Room)

	NewDocument func() syncdoc.Document
	NewPresence func() syncdoc.Presence
}

// Stats is a point-in-time view of a room.
type Stats struct {
	Connections     int
	Users           int
	KnownUsers      int
	DocumentUpdates int
	PresenceEntries int
	OwnedEntries    int
	PinnedRoles     int
	PersistPending  bool
	ExpiryPending   bool
}

// Room is the session actor of one room id.
type Room struct {
	id       string
	cfg      config.RoomConfig
	store    storage.Store
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	log      *slog.Logger
	onRetire func(*Room)

	newDocument func() syncdoc.Document
	newPresence func() syncdoc.Presence

	ops      chan func()
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by the room goroutine.
	doc          syncdoc.Document
	presence     syncdoc.Presence
	access       *AccessController
	arbiter      *PresenceArbiter
	reg          *registry
	nextID       ConnID
	persistTimer clockwork.Timer
	persistGen   uint64
	expiryTimer  clockwork.Timer
	expiryGen    uint64
	closed       bool
}

// New starts the actor for room id. The stored state is restored before
// any queued operation runs.
func New(id string, opts Options) *Room {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Room(id)
	}
	if opts.NewDocument == nil {
		limit := opts.Config.MaxDocumentBytes
		opts.NewDocument = func() syncdoc.Document { return syncdoc.NewBoundedUpdateLog(limit) }
	}
	if opts.NewPresence == nil {
		opts.NewPresence = func() syncdoc.Presence { return syncdoc.NewAwareness() }
	}

	r := &Room{
		id:          id,
		cfg:         opts.Config,
		store:       opts.Store,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		onRetire:    opts.OnRetire,
		newDocument: opts.NewDocument,
		newPresence: opts.NewPresence,
		ops:         make(chan func(), mailboxSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		access:      NewAccessController(id, opts.Store, opts.Logger),
		arbiter:     NewPresenceArbiter(),
		reg:         newRegistry(),
	}
	r.resetDocument()

	go r.run()
	return r
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

func (r *Room) run() {
	defer close(r.stopped)
	r.boot()
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.ops:
			fn()
		}
	}
}

// enqueue hands fn to the room goroutine. It reports false if the room is
// stopping or ctx ended first, in which case fn never runs.
func (r *Room) enqueue(ctx context.Context, fn func()) bool {
	select {
	case r.ops <- fn:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Room) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

type joinResult struct {
	id  ConnID
	err error
}

// Join admits conn into the room. Rejections are *CloseError values; a
// room that stopped before handling the join yields ErrRoomClosed.
func (r *Room) Join(ctx context.Context, conn Conn, meta Meta) (ConnID, error) {
	reply := make(chan joinResult, 1)
	queued := r.enqueue(ctx, func() {
		id, err := r.join(conn, meta)
		reply <- joinResult{id, err}
	})
	if !queued {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, ErrRoomClosed
	}

	select {
	case res := <-reply:
		return res.id, res.err
	case <-r.stopped:
		select {
		case res := <-reply:
			return res.id, res.err
		default:
			return 0, ErrRoomClosed
		}
	}
}

// Receive processes one inbound frame from id.
func (r *Room) Receive(id ConnID, frame []byte) {
	r.enqueue(context.Background(), func() { r.receive(id, frame) })
}

// Leave unregisters id after its socket has gone away.
func (r *Room) Leave(id ConnID) {
	r.enqueue(context.Background(), func() {
		if c := r.reg.get(id); c != nil {
			r.log.Info("connection left", "conn_id", id, "user_id", c.meta.UserID)
			r.unregister(id)
		}
	})
}

// Stats returns a snapshot of the room. A stopped room reports zero values.
func (r *Room) Stats(ctx context.Context) Stats {
	reply := make(chan Stats, 1)
	if !r.enqueue(ctx, func() { reply <- r.stats() }) {
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-r.stopped:
		return Stats{}
	case <-ctx.Done():
		return Stats{}
	}
}

func (r *Room) stats() Stats {
	pinned := 0
	for _, role := range []string{storage.RolePlayer, storage.RoleSpectator} {
		if r.access.Pinned(role) {
			pinned++
		}
	}
	return Stats{
		Connections:     r.reg.len(),
		Users:           len(r.reg.locks),
		KnownUsers:      len(r.reg.lastSeen),
		DocumentUpdates: r.doc.Len(),
		PresenceEntries: len(r.presence.Entries()),
		OwnedEntries:    r.arbiter.Len(),
		PinnedRoles:     pinned,
		PersistPending:  r.persistTimer != nil,
		ExpiryPending:   r.expiryTimer != nil,
	}
}

// Shutdown closes every connection with CodeShutdown, writes a pending
// snapshot, and stops the room goroutine.
func (r *Room) Shutdown(ctx context.Context) {
	drained := make(chan struct{})
	if r.enqueue(ctx, func() { r.drain(); close(drained) }) {
		select {
		case <-drained:
		case <-r.stopped:
		case <-ctx.Done():
		}
	}
	r.stop()
	select {
	case <-r.stopped:
	case <-ctx.Done():
	}
}

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} {
	return r.stopped
}

func (r *Room) drain() {
	if r.closed {
		return
	}
	r.closed = true
	for _, id := range r.reg.ids() {
		c := r.reg.remove(id)
		if c.heartbeat != nil {
			c.heartbeat.Stop()
		}
		r.metrics.Closed(reasonLabel(CodeShutdown))
		r.metrics.ConnectionClosed()
		c.conn.Close(CodeShutdown, "server shutting down")
	}
	r.cancelExpiry()
	if r.cancelPersist() {
		r.writeSnapshot()
	}
	r.log.Info("room drained")
}

// resetDocument replaces the document and presence state with empty ones.
func (r *Room) resetDocument() {
	r.doc = r.newDocument()
	r.doc.OnUpdate(r.onDocumentUpdate)
	r.presence = r.newPresence()
	r.presence.OnChange(r.onPresenceChange)
}

func (r *Room) reset() {
	r.resetDocument()
	r.arbiter.Reset()
	r.reg.forget()
	r.access.Reset()
}

// Document updates are echoed to their sender as well.
func (r *Room) onDocumentUpdate(update []byte, _ any) {
	r.broadcast(protocol.EncodeSyncUpdate(update), 0)
	r.schedulePersist()
}

func (r *Room) onPresenceChange(change syncdoc.Change, origin any) {
	except, _ := origin.(ConnID)
	update := r.presence.EncodeUpdate(change.IDs())
	r.broadcast(protocol.EncodePresence(update), except)
}

func (r *Room) reject(meta Meta, err *CloseError) error {
	r.log.Warn("join rejected",
		"user_id", meta.UserID,
		"role", meta.Role,
		"session_version", meta.SessionVersion,
		"code", int(err.Code),
		"reason", err.Reason,
	)
	r.metrics.JoinRejected(reasonLabel(err.Code))
	return err
}

func (r *Room) join(conn Conn, meta Meta) (ConnID, error) {
	if r.closed {
		return 0, ErrRoomClosed
	}

	firstKey := !r.access.Pinned(meta.Role)
	ctx, cancel := r.storageContext()
	ok := r.access.Authorize(ctx, meta.Role, meta.AccessKey)
	cancel()
	if !ok {
		return 0, r.reject(meta, closeErr(CodeHandshake, "access denied"))
	}
	if firstKey {
		// Pinned hashes are only trusted next to a snapshot time.
		r.schedulePersist()
	}

	if r.reg.stale(meta.UserID, meta.SessionVersion) {
		return 0, r.reject(meta, closeErr(CodeStaleSession, "stale session"))
	}

	if holder := r.reg.holder(meta.UserID); holder != nil {
		switch {
		case !r.live(holder):
			r.disconnect(holder.id, CodeIdle, "idle timeout")
		case holder.meta.ClientKey == meta.ClientKey:
			r.disconnect(holder.id, CodeReplaced, "replaced by a newer connection")
		default:
			return 0, r.reject(meta, closeErr(CodeDuplicateUser, "user already connected from another client"))
		}
	}

	r.reg.observe(meta.UserID, meta.SessionVersion)

	r.nextID++
	now := r.clock.Now()
	c := &connection{
		id:          r.nextID,
		conn:        conn,
		meta:        meta,
		limiter:     NewRateLimiter(r.cfg.RateLimit, now),
		lastMessage: now,
	}
	r.reg.add(c)
	r.cancelExpiry()
	r.startHeartbeat(c)
	r.metrics.ConnectionOpened()

	r.log.Info("connection joined",
		"conn_id", c.id,
		"user_id", meta.UserID,
		"role", meta.Role,
		"session_version", meta.SessionVersion,
		"connections", r.reg.len(),
	)

	r.sendInitialState(c.id)
	return c.id, nil
}

// sendInitialState sends the stored document, our sync step 1, and the
// current presence states.
func (r *Room) sendInitialState(id ConnID) {
	frames := r.catchUp(nil)
	frames = append(frames, protocol.EncodeSyncStep1(protocol.EmptyStateVector))
	if p := r.presenceSnapshot(); p != nil {
		frames = append(frames, p)
	}
	r.sendBatch(id, frames)
}

// catchUp encodes the updates a peer with stateVector is missing.
func (r *Room) catchUp(stateVector []byte) [][]byte {
	updates := r.doc.Diff(stateVector)
	frames := make([][]byte, 0, len(updates)+2)
	for _, u := range updates {
		frames = append(frames, protocol.EncodeSyncUpdate(u))
	}
	return frames
}

func (r *Room) presenceSnapshot() []byte {
	entries := r.presence.Entries()
	if len(entries) == 0 {
		return nil
	}
	return protocol.EncodePresence(r.presence.EncodeUpdate(entries))
}

func (r *Room) sendPresenceSnapshot(id ConnID) {
	if p := r.presenceSnapshot(); p != nil {
		r.send(id, p)
	}
}

func (r *Room) receive(id ConnID, frame []byte) {
	c := r.reg.get(id)
	if c == nil || r.closed {
		return
	}
	now := r.clock.Now()
	c.lastMessage = now

	if int64(len(frame)) > r.cfg.MaxMessageBytes {
		r.disconnect(id, CodeTooBig, "message too large")
		return
	}
	if err := c.limiter.Allow(now, len(frame)); err != nil {
		var ce *CloseError
		if errors.As(err, &ce) {
			r.disconnect(id, ce.Code, ce.Reason)
		}
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		r.log.Debug("malformed message", "conn_id", id, "error", err)
		r.disconnect(id, CodeMalformed, "malformed message")
		return
	}
	r.metrics.Message(msg.Type.String(), len(frame))

	switch msg.Type {
	case protocol.MessageSync:
		r.handleSync(c, msg)
	case protocol.MessagePresence:
		r.handlePresence(c, msg.Payload)
	case protocol.MessageQueryPresence:
		r.sendPresenceSnapshot(id)
	}
}

func (r *Room) handleSync(c *connection, msg protocol.Message) {
	switch msg.Sync {
	case protocol.SyncStep1:
		frames := r.catchUp(msg.Payload)
		r.sendBatch(c.id, append(frames, protocol.EncodeSyncStep2(protocol.EmptyUpdate)))
	case protocol.SyncStep2, protocol.SyncUpdate:
		if c.meta.Role == storage.RoleSpectator {
			// Step 2 answers our own step 1 on every join; only a live
			// edit is a write attempt.
			if msg.Sync == protocol.SyncUpdate {
				r.disconnect(c.id, CodeHandshake, "read-only role")
			}
			return
		}
		err := r.doc.ApplyUpdate(msg.Payload, c.id)
		switch {
		case err == nil:
		case errors.Is(err, syncdoc.ErrDocumentFull):
			r.log.Warn("document size limit reached", "conn_id", c.id, "error", err)
			r.disconnect(c.id, CodeTooBig, "document too large")
		default:
			r.log.Debug("rejecting document update", "conn_id", c.id, "error", err)
			r.disconnect(c.id, CodeMalformed, "malformed update")
		}
	}
}

func (r *Room) handlePresence(c *connection, payload []byte) {
	ids := protocol.PresenceEntryIDs(payload)
	if !r.arbiter.Claim(c.id, ids, r.liveID) {
		r.log.Debug("presence claim dropped", "conn_id", c.id, "entries", ids)
		return
	}
	if err := r.presence.ApplyUpdate(payload, c.id); err != nil {
		r.log.Debug("rejecting presence update", "conn_id", c.id, "error", err)
		r.disconnect(c.id, CodeMalformed, "malformed presence update")
	}
}
