package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/eshare/chat-server/internal/auth"
	"github.com/eshare/chat-server/internal/history"
	"github.com/eshare/chat-server/internal/presence"
	"github.com/eshare/chat-server/internal/protocol"
)

// fakeCaster records frames instead of writing to sockets.
type fakeCaster struct {
	mu         sync.Mutex
	sent       map[string][][]byte
	broadcasts [][]byte
}

func newFakeCaster() *fakeCaster {
	return &fakeCaster{sent: make(map[string][][]byte)}
}

func (c *fakeCaster) Broadcast(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, data)
}

func (c *fakeCaster) SendMessage(connID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[connID] = append(c.sent[connID], data)
	return nil
}

func (c *fakeCaster) broadcastTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.broadcasts))
	for _, b := range c.broadcasts {
		types = append(types, frameType(b))
	}
	return types
}

func (c *fakeCaster) sentTypes(connID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.sent[connID]))
	for _, b := range c.sent[connID] {
		types = append(types, frameType(b))
	}
	return types
}

func (c *fakeCaster) lastBroadcast(t *testing.T, msgType string) map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.broadcasts) - 1; i >= 0; i-- {
		if frameType(c.broadcasts[i]) == msgType {
			return decodeFrame(t, c.broadcasts[i])
		}
	}
	t.Fatalf("no %s broadcast found", msgType)
	return nil
}

func (c *fakeCaster) lastSent(t *testing.T, connID, msgType string) map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent[connID]) - 1; i >= 0; i-- {
		if frameType(c.sent[connID][i]) == msgType {
			return decodeFrame(t, c.sent[connID][i])
		}
	}
	t.Fatalf("no %s frame sent to %s", msgType, connID)
	return nil
}

func frameType(data []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	json.Unmarshal(data, &env)
	return env.Type
}

func decodeFrame(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return m
}

// fakeHistory is an in-memory message log ordered by insertion.
type fakeHistory struct {
	mu        sync.Mutex
	msgs      []history.Message
	insertErr error
	readErr   error
	deleteErr error
}

func (f *fakeHistory) Insert(_ context.Context, msg history.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	start := len(f.msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]history.Message, len(f.msgs)-start)
	copy(out, f.msgs[start:])
	return out, nil
}

func (f *fakeHistory) Older(_ context.Context, before int64, limit int) ([]history.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	var match []history.Message
	for _, m := range f.msgs {
		if m.CreatedAt < before {
			match = append(match, m)
		}
	}
	if len(match) > limit {
		match = match[len(match)-limit:]
	}
	return match, nil
}

func (f *fakeHistory) DeleteAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.msgs = nil
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newTestHub(hist *fakeHistory, caster *fakeCaster, admins ...string) *Hub {
	return New(Config{
		Presence: presence.NewStore(),
		History:  hist,
		Policy:   auth.NewAllowList(admins...),
		Caster:   caster,
	})
}

func TestJoinPushesRosterAndHistory(t *testing.T) {
	hist := &fakeHistory{msgs: []history.Message{
		{ID: "m1", UserID: "u9", DisplayName: "zoe", Text: "hello", CreatedAt: 100},
	}}
	caster := newFakeCaster()
	h := newTestHub(hist, caster)

	h.Join(context.Background(), "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})

	sent := caster.sentTypes("conn-1")
	want := []string{protocol.TypeUsersList, protocol.TypeMessagesHistory}
	if len(sent) != len(want) {
		t.Fatalf("sent frames = %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Fatalf("sent frames = %v, want %v", sent, want)
		}
	}

	roster := caster.lastSent(t, "conn-1", protocol.TypeUsersList)
	users := roster["users"].([]interface{})
	if len(users) != 1 {
		t.Fatalf("roster has %d users, want 1", len(users))
	}
	u := users[0].(map[string]interface{})
	if u["userId"] != "u1" || u["displayName"] != "alice" || u["isOnline"] != true {
		t.Fatalf("unexpected roster entry: %v", u)
	}

	page := caster.lastSent(t, "conn-1", protocol.TypeMessagesHistory)
	msgs := page["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("history page has %d messages, want 1", len(msgs))
	}

	bt := caster.broadcastTypes()
	if len(bt) != 2 || bt[0] != protocol.TypeUserOnline || bt[1] != protocol.TypeUsersList {
		t.Fatalf("broadcasts = %v, want [user:online users:list]", bt)
	}
}

func TestJoinWithoutIdentityIsRejected(t *testing.T) {
	caster := newFakeCaster()
	h := newTestHub(&fakeHistory{}, caster)

	h.Join(context.Background(), "conn-1", protocol.JoinMsg{DisplayName: "ghost"})

	errFrame := caster.lastSent(t, "conn-1", protocol.TypeError)
	if errFrame["code"] != protocol.CodeInvalidJoin {
		t.Fatalf("error code = %v, want %s", errFrame["code"], protocol.CodeInvalidJoin)
	}
	if len(caster.broadcastTypes()) != 0 {
		t.Fatalf("rejected join must not broadcast, got %v", caster.broadcastTypes())
	}
	if h.OnlineCount() != 0 {
		t.Fatalf("online count = %d, want 0", h.OnlineCount())
	}
}

func TestJoinFallsBackToUserIDAsDisplayName(t *testing.T) {
	caster := newFakeCaster()
	h := newTestHub(&fakeHistory{}, caster)

	h.Join(context.Background(), "conn-1", protocol.JoinMsg{UserID: "u1"})

	online := caster.lastBroadcast(t, protocol.TypeUserOnline)
	u := online["user"].(map[string]interface{})
	if u["displayName"] != "u1" {
		t.Fatalf("displayName = %v, want u1", u["displayName"])
	}
}

func TestReconnectDoesNotEmitSpuriousOffline(t *testing.T) {
	caster := newFakeCaster()
	h := newTestHub(&fakeHistory{}, caster)
	ctx := context.Background()

	// Same user opens a second tab, then the first tab's connection drops.
	h.Join(ctx, "conn-old", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})
	h.Join(ctx, "conn-new", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})
	h.Leave("conn-old")

	for _, bt := range caster.broadcastTypes() {
		if bt == protocol.TypeUserOffline {
			t.Fatal("stale handle disconnect must not broadcast user:offline")
		}
	}
	if h.OnlineCount() != 1 {
		t.Fatalf("online count = %d, want 1", h.OnlineCount())
	}

	// Dropping the live handle does take the user offline.
	h.Leave("conn-new")
	off := caster.lastBroadcast(t, protocol.TypeUserOffline)
	if off["userId"] != "u1" {
		t.Fatalf("offline userId = %v, want u1", off["userId"])
	}
	if h.OnlineCount() != 0 {
		t.Fatalf("online count = %d, want 0", h.OnlineCount())
	}
}

func TestSendChatBroadcastsAndPersists(t *testing.T) {
	hist := &fakeHistory{}
	caster := newFakeCaster()
	h := newTestHub(hist, caster)
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})
	h.SendChat(ctx, "conn-1", "hello world")

	frame := caster.lastBroadcast(t, protocol.TypeNewMessage)
	msg := frame["message"].(map[string]interface{})
	if msg["userId"] != "u1" || msg["displayName"] != "alice" || msg["text"] != "hello world" {
		t.Fatalf("unexpected message: %v", msg)
	}
	if msg["id"] == "" || msg["createdAt"].(float64) <= 0 {
		t.Fatalf("message missing id or timestamp: %v", msg)
	}
	if hist.count() != 1 {
		t.Fatalf("persisted %d messages, want 1", hist.count())
	}
}

func TestSendChatWithoutJoinIsAuthError(t *testing.T) {
	hist := &fakeHistory{}
	caster := newFakeCaster()
	h := newTestHub(hist, caster)

	h.SendChat(context.Background(), "conn-1", "hello")

	errFrame := caster.lastSent(t, "conn-1", protocol.TypeError)
	if errFrame["code"] != protocol.CodeAuthRequired {
		t.Fatalf("error code = %v, want %s", errFrame["code"], protocol.CodeAuthRequired)
	}
	if len(caster.broadcastTypes()) != 0 {
		t.Fatalf("unauthenticated send must not broadcast, got %v", caster.broadcastTypes())
	}
	if hist.count() != 0 {
		t.Fatal("unauthenticated send must not persist")
	}
}

func TestSendChatPersistFailureStillBroadcasts(t *testing.T) {
	hist := &fakeHistory{insertErr: errors.New("db down")}
	caster := newFakeCaster()
	h := newTestHub(hist, caster)
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})
	h.SendChat(ctx, "conn-1", "still here")

	frame := caster.lastBroadcast(t, protocol.TypeNewMessage)
	msg := frame["message"].(map[string]interface{})
	if msg["text"] != "still here" {
		t.Fatalf("message not broadcast despite persist failure: %v", msg)
	}
}

func TestSendChatRejectsInvalidText(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t  "},
		{"too long", string(make([]byte, MaxMessageLength+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hist := &fakeHistory{}
			caster := newFakeCaster()
			h := newTestHub(hist, caster)
			ctx := context.Background()

			h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})
			h.SendChat(ctx, "conn-1", tt.text)

			errFrame := caster.lastSent(t, "conn-1", protocol.TypeError)
			if errFrame["code"] != protocol.CodeInvalidMessage {
				t.Fatalf("error code = %v, want %s", errFrame["code"], protocol.CodeInvalidMessage)
			}
			if hist.count() != 0 {
				t.Fatal("invalid message must not persist")
			}
		})
	}
}

// denyLimiter rejects every send.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, int) { return false, 7 }

func TestSendChatRateLimited(t *testing.T) {
	hist := &fakeHistory{}
	caster := newFakeCaster()
	h := New(Config{
		Presence: presence.NewStore(),
		History:  hist,
		Policy:   auth.NewAllowList(),
		Caster:   caster,
		Limiter:  denyLimiter{},
	})
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})
	h.SendChat(ctx, "conn-1", "hello")

	rl := caster.lastSent(t, "conn-1", protocol.TypeRateLimited)
	if rl["retry_after"].(float64) != 7 {
		t.Fatalf("retry_after = %v, want 7", rl["retry_after"])
	}
	if hist.count() != 0 {
		t.Fatal("rate limited message must not persist")
	}
	for _, bt := range caster.broadcastTypes() {
		if bt == protocol.TypeNewMessage {
			t.Fatal("rate limited message must not broadcast")
		}
	}
}

func TestLoadOlderPaginates(t *testing.T) {
	hist := &fakeHistory{msgs: []history.Message{
		{ID: "m1", UserID: "u1", Text: "one", CreatedAt: 100},
		{ID: "m2", UserID: "u1", Text: "two", CreatedAt: 200},
		{ID: "m3", UserID: "u1", Text: "three", CreatedAt: 300},
	}}
	caster := newFakeCaster()
	h := newTestHub(hist, caster)
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})

	// Cursor excludes the message at exactly the boundary timestamp.
	h.LoadOlder(ctx, "conn-1", 300, 10)
	page := caster.lastSent(t, "conn-1", protocol.TypeMessagesOlder)
	msgs := page["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("page has %d messages, want 2", len(msgs))
	}
	first := msgs[0].(map[string]interface{})
	if first["id"] != "m1" {
		t.Fatalf("page not oldest-first: first id = %v", first["id"])
	}

	// Cursor before all history yields an empty page, not an error.
	h.LoadOlder(ctx, "conn-1", 100, 10)
	page = caster.lastSent(t, "conn-1", protocol.TypeMessagesOlder)
	if msgs, ok := page["messages"].([]interface{}); ok && len(msgs) != 0 {
		t.Fatalf("expected empty page, got %d messages", len(msgs))
	}
}

func TestLoadOlderStorageFailureDegradesToEmpty(t *testing.T) {
	hist := &fakeHistory{readErr: errors.New("db down")}
	caster := newFakeCaster()
	h := newTestHub(hist, caster)
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})
	h.LoadOlder(ctx, "conn-1", 500, 10)

	page := caster.lastSent(t, "conn-1", protocol.TypeMessagesOlder)
	if msgs, ok := page["messages"].([]interface{}); ok && len(msgs) != 0 {
		t.Fatalf("expected empty page on storage failure, got %d messages", len(msgs))
	}
}

func TestDeleteAllByAdmin(t *testing.T) {
	hist := &fakeHistory{msgs: []history.Message{
		{ID: "m1", UserID: "u1", Text: "one", CreatedAt: 100},
		{ID: "m2", UserID: "u2", Text: "two", CreatedAt: 200},
	}}
	caster := newFakeCaster()
	h := newTestHub(hist, caster, "deepanik")
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "deepanik", DisplayName: "deepanik"})
	h.DeleteAll(ctx, "conn-1")

	if hist.count() != 0 {
		t.Fatalf("history has %d messages after wipe, want 0", hist.count())
	}
	frame := caster.lastBroadcast(t, protocol.TypeMessagesDeleted)
	if frame["deletedBy"] != "deepanik" {
		t.Fatalf("deletedBy = %v, want deepanik", frame["deletedBy"])
	}
}

func TestDeleteAllByNonAdminIsDenied(t *testing.T) {
	hist := &fakeHistory{msgs: []history.Message{
		{ID: "m1", UserID: "u1", Text: "one", CreatedAt: 100},
	}}
	caster := newFakeCaster()
	h := newTestHub(hist, caster, "deepanik")
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "mallory", DisplayName: "mallory"})
	h.DeleteAll(ctx, "conn-1")

	if hist.count() != 1 {
		t.Fatal("denied wipe must not touch history")
	}
	errFrame := caster.lastSent(t, "conn-1", protocol.TypeError)
	if errFrame["code"] != protocol.CodePermissionDenied {
		t.Fatalf("error code = %v, want %s", errFrame["code"], protocol.CodePermissionDenied)
	}
	for _, bt := range caster.broadcastTypes() {
		if bt == protocol.TypeMessagesDeleted {
			t.Fatal("denied wipe must not broadcast messages:deleted")
		}
	}
}

func TestDeleteAllStorageFailureIsSurfaced(t *testing.T) {
	hist := &fakeHistory{
		msgs:      []history.Message{{ID: "m1", UserID: "u1", Text: "one", CreatedAt: 100}},
		deleteErr: errors.New("db down"),
	}
	caster := newFakeCaster()
	h := newTestHub(hist, caster, "deepanik")
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "deepanik", DisplayName: "deepanik"})
	h.DeleteAll(ctx, "conn-1")

	errFrame := caster.lastSent(t, "conn-1", protocol.TypeError)
	if errFrame["code"] != protocol.CodeStorageFailed {
		t.Fatalf("error code = %v, want %s", errFrame["code"], protocol.CodeStorageFailed)
	}
	for _, bt := range caster.broadcastTypes() {
		if bt == protocol.TypeMessagesDeleted {
			t.Fatal("failed wipe must not broadcast messages:deleted")
		}
	}
}

func TestTypingRelay(t *testing.T) {
	caster := newFakeCaster()
	h := newTestHub(&fakeHistory{}, caster)
	ctx := context.Background()

	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})

	h.TypingStart("conn-1")
	frame := caster.lastBroadcast(t, protocol.TypeTypingUser)
	if frame["userId"] != "u1" || frame["displayName"] != "alice" {
		t.Fatalf("unexpected typing frame: %v", frame)
	}

	h.TypingStop("conn-1")
	frame = caster.lastBroadcast(t, protocol.TypeTypingStop)
	if frame["userId"] != "u1" {
		t.Fatalf("unexpected typing stop frame: %v", frame)
	}
}

func TestTypingWithoutJoinIsAuthError(t *testing.T) {
	caster := newFakeCaster()
	h := newTestHub(&fakeHistory{}, caster)

	h.TypingStart("conn-1")

	errFrame := caster.lastSent(t, "conn-1", protocol.TypeError)
	if errFrame["code"] != protocol.CodeAuthRequired {
		t.Fatalf("error code = %v, want %s", errFrame["code"], protocol.CodeAuthRequired)
	}
}

// fakeAvatars is an in-memory avatar store.
type fakeAvatars struct {
	mu      sync.Mutex
	avatars map[string]string
}

func newFakeAvatars() *fakeAvatars {
	return &fakeAvatars{avatars: make(map[string]string)}
}

func (f *fakeAvatars) Avatar(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avatars[userID], nil
}

func (f *fakeAvatars) SetAvatar(_ context.Context, userID, avatar string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avatars[userID] = avatar
	return nil
}

func (f *fakeAvatars) Touch(context.Context, string, string, string) error { return nil }

func TestJoinStoresAndResolvesAvatar(t *testing.T) {
	caster := newFakeCaster()
	avatars := newFakeAvatars()
	h := New(Config{
		Presence: presence.NewStore(),
		History:  &fakeHistory{},
		Avatars:  avatars,
		Policy:   auth.NewAllowList(),
		Caster:   caster,
	})
	ctx := context.Background()

	// An avatar in the handshake is stored and echoed in the online event.
	h.Join(ctx, "conn-1", protocol.JoinMsg{UserID: "u1", DisplayName: "alice", Avatar: "ipfs://pic"})
	frame := caster.lastBroadcast(t, protocol.TypeUserOnline)
	user := frame["user"].(map[string]interface{})
	if user["avatar"] != "ipfs://pic" {
		t.Fatalf("avatar = %v, want ipfs://pic", user["avatar"])
	}
	if got, _ := avatars.Avatar(ctx, "u1"); got != "ipfs://pic" {
		t.Fatalf("stored avatar = %q, want ipfs://pic", got)
	}

	// A rejoin without an avatar resolves the stored one.
	h.Join(ctx, "conn-2", protocol.JoinMsg{UserID: "u1", DisplayName: "alice"})
	frame = caster.lastBroadcast(t, protocol.TypeUserOnline)
	user = frame["user"].(map[string]interface{})
	if user["avatar"] != "ipfs://pic" {
		t.Fatalf("avatar after rejoin = %v, want ipfs://pic", user["avatar"])
	}
}
