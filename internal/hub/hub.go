// Package hub implements the chat application layer: the join/leave
// lifecycle over the presence store, message persistence and broadcast,
// history pagination, typing relay, and the admin moderation path. It sits
// between the ws transport (which deals only in connection handles) and the
// storage collaborators.
package hub

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/eshare/chat-server/internal/auth"
	"github.com/eshare/chat-server/internal/history"
	"github.com/eshare/chat-server/internal/metrics"
	"github.com/eshare/chat-server/internal/presence"
	"github.com/eshare/chat-server/internal/protocol"
)

// DefaultHistoryLimit is the page size for the initial history push and for
// load-older requests that don't specify a limit.
const DefaultHistoryLimit = 20

// MaxHistoryLimit caps client-requested page sizes.
const MaxHistoryLimit = 100

// HistoryStore is the external append-only message log.
type HistoryStore interface {
	Insert(ctx context.Context, msg history.Message) error
	Recent(ctx context.Context, limit int) ([]history.Message, error)
	Older(ctx context.Context, before int64, limit int) ([]history.Message, error)
	DeleteAll(ctx context.Context) error
}

// AvatarResolver stores and looks up avatar references. Lookups are best
// effort: callers degrade to an empty avatar on error.
type AvatarResolver interface {
	Avatar(ctx context.Context, userID string) (string, error)
	SetAvatar(ctx context.Context, userID, avatar string) error
	Touch(ctx context.Context, userID, displayName, contact string) error
}

// Broadcaster delivers frames to connections. Implemented by ws.Server.
type Broadcaster interface {
	Broadcast(data []byte)
	SendMessage(connID string, data []byte) error
}

// SendLimiter throttles message sends per user identity. A nil limiter means
// unlimited.
type SendLimiter interface {
	Allow(ctx context.Context, userID string) (ok bool, retryAfter int)
}

// Relay fans broadcast frames out to other server instances. A nil relay
// means single-instance operation.
type Relay interface {
	PublishBroadcast(frame []byte) error
}

// Config collects the hub's collaborators.
type Config struct {
	Presence *presence.Store
	History  HistoryStore
	Avatars  AvatarResolver // optional
	Policy   auth.Policy
	Caster   Broadcaster
	Limiter  SendLimiter // optional
	Relay    Relay       // optional
}

// Hub coordinates presence, history and broadcast. All presence mutations
// happen synchronously inside a single handler invocation; storage calls are
// the suspension points and are deliberately not atomic with them.
type Hub struct {
	presence *presence.Store
	history  HistoryStore
	avatars  AvatarResolver
	policy   auth.Policy
	caster   Broadcaster
	limiter  SendLimiter
	relay    Relay
}

// New creates a Hub from the given configuration.
func New(cfg Config) *Hub {
	return &Hub{
		presence: cfg.Presence,
		history:  cfg.History,
		avatars:  cfg.Avatars,
		policy:   cfg.Policy,
		caster:   cfg.Caster,
		limiter:  cfg.Limiter,
		relay:    cfg.Relay,
	}
}

// OnlineCount reports the number of users with a live presence entry.
func (h *Hub) OnlineCount() int {
	return h.presence.Count()
}

// ---------------------------------------------------------------------------
// Join / Leave
// ---------------------------------------------------------------------------

// Join processes the join handshake for a connection. A join without a user
// identity is rejected with an error event to that connection only; the
// server never retries on the client's behalf.
//
// On success it broadcasts user:online, pushes the roster and the most recent
// history page to the joining connection, and re-broadcasts the roster to
// everyone so every client's roster is eventually consistent even if online
// deltas were missed.
func (h *Hub) Join(ctx context.Context, connID string, msg protocol.JoinMsg) {
	if msg.UserID == "" {
		h.sendError(connID, protocol.CodeInvalidJoin, "join requires a user identity")
		return
	}

	displayName := msg.DisplayName
	if displayName == "" {
		displayName = msg.UserID
	}

	// Record the latest profile metadata, best effort. An avatar carried in
	// the handshake replaces the stored one; otherwise the stored avatar is
	// resolved so it survives reconnects.
	avatar := msg.Avatar
	if h.avatars != nil {
		if err := h.avatars.Touch(ctx, msg.UserID, displayName, msg.Contact); err != nil {
			log.Printf("[hub] profile touch failed user=%s: %v", msg.UserID, err)
		}
		if avatar != "" {
			if err := h.avatars.SetAvatar(ctx, msg.UserID, avatar); err != nil {
				log.Printf("[hub] avatar store failed user=%s: %v", msg.UserID, err)
			}
		} else {
			avatar = h.lookupAvatar(ctx, msg.UserID)
		}
	}

	entry, reconnect := h.presence.Join(msg.UserID, displayName, msg.Contact, avatar, connID)
	metrics.OnlineUsers.Set(float64(h.presence.Count()))
	if reconnect {
		log.Printf("[hub] reconnect user=%s conn=%s", entry.UserID, connID)
	} else {
		log.Printf("[hub] join user=%s conn=%s (online=%d)", entry.UserID, connID, h.presence.Count())
	}

	// Announce the user, then push state to the joiner, then refresh
	// everyone's roster.
	h.broadcast(protocol.TypeUserOnline, protocol.UserOnlineMsg{User: entryProfile(entry)})
	h.send(connID, protocol.TypeUsersList, protocol.UsersListMsg{Users: h.rosterProfiles()})
	h.send(connID, protocol.TypeMessagesHistory, protocol.MessagesHistoryMsg{
		Messages: h.loadRecent(ctx),
	})
	h.broadcast(protocol.TypeUsersList, protocol.UsersListMsg{Users: h.rosterProfiles()})
}

// Leave processes a disconnect for a connection handle. If the handle is
// stale — the user already reconnected with a newer handle — nothing happens:
// the user is still online via the other connection and no offline event is
// emitted.
func (h *Hub) Leave(connID string) {
	entry, removed := h.presence.Leave(connID)
	if !removed {
		return
	}
	metrics.OnlineUsers.Set(float64(h.presence.Count()))
	log.Printf("[hub] leave user=%s conn=%s (online=%d)", entry.UserID, connID, h.presence.Count())

	h.broadcast(protocol.TypeUserOffline, protocol.UserOfflineMsg{UserID: entry.UserID})
	h.broadcast(protocol.TypeUsersList, protocol.UsersListMsg{Users: h.rosterProfiles()})
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendChat persists and broadcasts a chat message from the given connection.
// A send from a connection with no presence entry (the join never completed,
// or a disconnect raced the send) is an authentication error: no state is
// mutated and nothing is broadcast.
//
// A persistence failure does not block the broadcast — the message is still
// delivered to all connections so the chat stays responsive while storage is
// degraded. This is an explicit availability-over-durability tradeoff; the
// failure is logged and counted.
func (h *Hub) SendChat(ctx context.Context, connID string, text string) {
	entry, ok := h.presence.GetByConn(connID)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, protocol.CodeAuthRequired, "join before sending messages")
		return
	}

	if err := ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.sendError(connID, protocol.CodeInvalidMessage, err.Error())
		return
	}

	if h.limiter != nil {
		if allowed, retryAfter := h.limiter.Allow(ctx, entry.UserID); !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			h.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retryAfter})
			return
		}
	}

	// The message captures the sender's display name at time of send; the
	// avatar is resolved best effort and degrades to empty.
	msg := protocol.Message{
		ID:          uuid.New().String(),
		UserID:      entry.UserID,
		DisplayName: entry.DisplayName,
		Text:        text,
		Avatar:      h.lookupAvatar(ctx, entry.UserID),
		CreatedAt:   time.Now().UnixMilli(),
	}

	// Persist-attempt, then broadcast: two independent steps.
	err := h.history.Insert(ctx, history.Message{
		ID:          msg.ID,
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
		Text:        msg.Text,
		CreatedAt:   msg.CreatedAt,
	})
	if err != nil {
		metrics.PersistFailures.Inc()
		log.Printf("[hub] persist failed for message %s (broadcasting anyway): %v", msg.ID, err)
	}

	metrics.MessagesTotal.WithLabelValues("broadcast").Inc()
	h.broadcastRelayed(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg})
}

// LoadOlder serves one page of messages created strictly before the cursor
// timestamp, oldest first, to the requesting connection. A page shorter than
// the requested limit (including empty) tells the caller no more history
// exists; a storage failure degrades to an empty page rather than an error.
func (h *Hub) LoadOlder(ctx context.Context, connID string, before int64, limit int) {
	if _, ok := h.presence.GetByConn(connID); !ok {
		h.sendError(connID, protocol.CodeAuthRequired, "join before loading history")
		return
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	start := time.Now()
	msgs, err := h.history.Older(ctx, before, limit)
	metrics.HistoryQueryDuration.WithLabelValues("older").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("[hub] load older failed before=%d: %v", before, err)
		msgs = nil
	}

	h.send(connID, protocol.TypeMessagesOlder, protocol.MessagesOlderMsg{
		Messages: h.withAvatars(ctx, msgs),
	})
}

// DeleteAll wipes the whole message history on behalf of the connection's
// user. Authorization runs against the injected policy; a non-admin identity
// is rejected with a permission error and no side effect and no broadcast.
// Unlike the send path, a storage failure here is surfaced to the actor,
// since a partial "history cleared" would be misleading.
func (h *Hub) DeleteAll(ctx context.Context, connID string) {
	entry, ok := h.presence.GetByConn(connID)
	if !ok {
		h.sendError(connID, protocol.CodeAuthRequired, "join before moderating")
		return
	}

	if err := h.Wipe(ctx, entry.UserID, entry.DisplayName); err != nil {
		if errors.Is(err, ErrNotAuthorized) {
			h.sendError(connID, protocol.CodePermissionDenied, "not authorized to delete history")
			return
		}
		h.sendError(connID, protocol.CodeStorageFailed, "failed to delete history")
	}
}

// ErrNotAuthorized is returned by Wipe when the acting identity fails the
// moderation policy.
var ErrNotAuthorized = errors.New("hub: not authorized")

// Wipe performs the authorization check and the bulk delete, broadcasting
// messages:deleted on success. It is shared by the event-channel moderation
// path and the degraded-mode HTTP endpoint so both enforce the same policy.
func (h *Hub) Wipe(ctx context.Context, actorID, actorName string) error {
	if h.policy == nil || !h.policy.CanModerate(actorID) {
		log.Printf("[hub] delete-all denied actor=%s", actorID)
		return ErrNotAuthorized
	}

	if err := h.history.DeleteAll(ctx); err != nil {
		log.Printf("[hub] delete-all failed actor=%s: %v", actorID, err)
		return err
	}

	metrics.HistoryWipes.Inc()
	log.Printf("[hub] history wiped by %s", actorID)
	h.broadcastRelayed(protocol.TypeMessagesDeleted, protocol.MessagesDeletedMsg{DeletedBy: actorName})
	return nil
}

// RecentMessages returns the latest messages with avatars resolved, oldest
// first. Used by the degraded-mode HTTP read endpoint.
func (h *Hub) RecentMessages(ctx context.Context, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	msgs, err := h.history.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	return h.withAvatars(ctx, msgs), nil
}

// ---------------------------------------------------------------------------
// Typing indicators
// ---------------------------------------------------------------------------

// TypingStart relays a start-typing signal to all connections. The server
// only relays; expiry is enforced by the receiving clients.
func (h *Hub) TypingStart(connID string) {
	entry, ok := h.presence.GetByConn(connID)
	if !ok {
		h.sendError(connID, protocol.CodeAuthRequired, "join before typing")
		return
	}
	h.broadcast(protocol.TypeTypingUser, protocol.TypingUserMsg{
		UserID:      entry.UserID,
		DisplayName: entry.DisplayName,
	})
}

// TypingStop relays an explicit stop-typing signal to all connections.
func (h *Hub) TypingStop(connID string) {
	entry, ok := h.presence.GetByConn(connID)
	if !ok {
		h.sendError(connID, protocol.CodeAuthRequired, "join before typing")
		return
	}
	h.broadcast(protocol.TypeTypingStop, protocol.TypingStoppedMsg{UserID: entry.UserID})
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// loadRecent fetches the initial history page. A storage read failure
// degrades to an empty sequence so the join still completes.
func (h *Hub) loadRecent(ctx context.Context) []protocol.Message {
	start := time.Now()
	msgs, err := h.history.Recent(ctx, DefaultHistoryLimit)
	metrics.HistoryQueryDuration.WithLabelValues("recent").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("[hub] load recent failed: %v", err)
		return []protocol.Message{}
	}
	return h.withAvatars(ctx, msgs)
}

// withAvatars converts stored messages to wire messages, resolving each
// author's current avatar with a best-effort per-message lookup. A lookup
// failure degrades that message's avatar to empty and never aborts the batch.
func (h *Hub) withAvatars(ctx context.Context, msgs []history.Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.Message{
			ID:          m.ID,
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Text:        m.Text,
			Avatar:      h.lookupAvatar(ctx, m.UserID),
			CreatedAt:   m.CreatedAt,
		})
	}
	return out
}

func (h *Hub) lookupAvatar(ctx context.Context, userID string) string {
	if h.avatars == nil {
		return ""
	}
	avatar, err := h.avatars.Avatar(ctx, userID)
	if err != nil {
		log.Printf("[hub] avatar lookup failed user=%s: %v", userID, err)
		return ""
	}
	return avatar
}

func (h *Hub) rosterProfiles() []protocol.Profile {
	entries := h.presence.Roster()
	profiles := make([]protocol.Profile, 0, len(entries))
	for _, e := range entries {
		profiles = append(profiles, entryProfile(e))
	}
	return profiles
}

func entryProfile(e presence.Entry) protocol.Profile {
	return protocol.Profile{
		UserID:      e.UserID,
		DisplayName: e.DisplayName,
		Contact:     e.Contact,
		Avatar:      e.Avatar,
		IsOnline:    true,
		JoinedAt:    e.JoinedAt.UnixMilli(),
	}
}

// send encodes and delivers a message to one connection. Delivery failures
// are logged only; the connection will be evicted by the transport when its
// next read fails.
func (h *Hub) send(connID string, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] failed to build %s: %v", msgType, err)
		return
	}
	if err := h.caster.SendMessage(connID, data); err != nil {
		log.Printf("[hub] send %s to conn=%s failed: %v", msgType, connID, err)
	}
}

func (h *Hub) sendError(connID string, code string, message string) {
	h.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// broadcast encodes and delivers a message to all local connections.
func (h *Hub) broadcast(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] failed to build %s: %v", msgType, err)
		return
	}
	h.caster.Broadcast(data)
}

// broadcastRelayed delivers to all local connections and forwards the frame
// to other server instances over the relay, when configured.
func (h *Hub) broadcastRelayed(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] failed to build %s: %v", msgType, err)
		return
	}
	h.caster.Broadcast(data)
	if h.relay != nil {
		if err := h.relay.PublishBroadcast(data); err != nil {
			log.Printf("[hub] relay publish %s failed: %v", msgType, err)
		}
	}
}
