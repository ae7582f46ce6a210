package group

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"partyline/internal/censor"
	"partyline/internal/session"
	"partyline/pkg/interfaces"
	"partyline/pkg/types"
)

type sentEnvelope struct {
	topic   string
	payload interface{}
}

type fakeConn struct {
	id string

	mu            sync.Mutex
	userID        string
	displayName   string
	authenticated bool
	sent          []sentEnvelope
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(topic string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentEnvelope{topic: topic, payload: payload})
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *fakeConn) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

func (c *fakeConn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *fakeConn) SetIdentity(userID, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.displayName = displayName
	c.authenticated = true
}

func (c *fakeConn) received(topic string) []sentEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEnvelope
	for _, env := range c.sent {
		if env.topic == topic {
			out = append(out, env)
		}
	}
	return out
}

// fakeStore is an in-memory Store for router tests.
type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*types.User
	groups  map[string]*types.Group
	members map[string]map[string]struct{} // groupID -> userIDs
	invites map[string]map[string]struct{} // userID -> groupIDs
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]*types.User),
		groups:  make(map[string]*types.Group),
		members: make(map[string]map[string]struct{}),
		invites: make(map[string]map[string]struct{}),
	}
}

func (s *fakeStore) UpsertUser(_ context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	s.users[user.UserID] = &copied
	return nil
}

func (s *fakeStore) GetUser(_ context.Context, userID string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *fakeStore) ListUsers(_ context.Context, userIDs []string) ([]*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.User, 0, len(userIDs))
	for _, id := range userIDs {
		if user, ok := s.users[id]; ok {
			copied := *user
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateGroup(_ context.Context, group *types.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *group
	s.groups[group.GroupID] = &copied
	return nil
}

func (s *fakeStore) UpdateGroup(_ context.Context, groupID, title, iconURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group, ok := s.groups[groupID]; ok {
		group.Title = title
		group.IconURL = iconURL
	}
	return nil
}

func (s *fakeStore) GetGroup(_ context.Context, groupID string) (*types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *group
	return &copied, nil
}

func (s *fakeStore) ListGroups(_ context.Context, groupIDs []string) ([]*types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Group, 0, len(groupIDs))
	for _, id := range groupIDs {
		if group, ok := s.groups[id]; ok {
			copied := *group
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) AddMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[groupID] == nil {
		s.members[groupID] = make(map[string]struct{})
	}
	s.members[groupID][userID] = struct{}{}
	return nil
}

func (s *fakeStore) RemoveMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[groupID], userID)
	return nil
}

func (s *fakeStore) ListMemberIDs(_ context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.members[groupID] {
		out = append(out, id)
	}
	return out, nil
}

func (s *fakeStore) ListGroupIDsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for groupID, set := range s.members {
		if _, ok := set[userID]; ok {
			out = append(out, groupID)
		}
	}
	return out, nil
}

func (s *fakeStore) PutInvitation(_ context.Context, userID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invites[userID] == nil {
		s.invites[userID] = make(map[string]struct{})
	}
	s.invites[userID][groupID] = struct{}{}
	return nil
}

func (s *fakeStore) DeleteInvitation(_ context.Context, userID, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.invites[userID]
	if _, ok := set[groupID]; !ok {
		return false, nil
	}
	delete(set, groupID)
	return true, nil
}

func (s *fakeStore) ListInvitationGroupIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for groupID := range s.invites[userID] {
		out = append(out, groupID)
	}
	return out, nil
}

func (s *fakeStore) CreateMedia(context.Context, *types.MediaItem) error { return nil }
func (s *fakeStore) GetMedia(context.Context, string) (*types.MediaItem, error) {
	return nil, interfaces.ErrNotFound
}
func (s *fakeStore) DeleteMedia(context.Context, string) error { return nil }
func (s *fakeStore) ListMedia(context.Context, string) ([]*types.MediaItem, error) {
	return nil, nil
}
func (s *fakeStore) ListPlaylistIDs(context.Context) ([]string, error) { return nil, nil }
func (s *fakeStore) HealthCheck(context.Context) error                 { return nil }
func (s *fakeStore) Close() error                                      { return nil }

type routerFixture struct {
	store    *fakeStore
	sessions *session.Registry
	router   *Router
}

func newFixture(t *testing.T, mode types.JoinMode) *routerFixture {
	t.Helper()
	store := newFakeStore()
	sessions := session.NewRegistry(zerolog.Nop())
	words := censor.New([]string{"darn"}, nil, "*****")
	return &routerFixture{
		store:    store,
		sessions: sessions,
		router:   NewRouter(store, sessions, words, mode, nil, zerolog.Nop()),
	}
}

// connect provisions and authenticates a user, returning its connection.
func (f *routerFixture) connect(t *testing.T, userID, name string) *fakeConn {
	t.Helper()
	_ = f.store.UpsertUser(context.Background(), &types.User{UserID: userID, Name: name})
	token := f.sessions.IssueHandshake(userID, name)
	conn := &fakeConn{id: "conn-" + userID}
	if _, _, err := f.sessions.Authenticate(conn, token); err != nil {
		t.Fatalf("authenticate %s: %v", userID, err)
	}
	return conn
}

func (f *routerFixture) seedGroup(t *testing.T, groupID, title string, memberIDs ...string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateGroup(ctx, &types.Group{GroupID: groupID, Title: title}); err != nil {
		t.Fatal(err)
	}
	for _, id := range memberIDs {
		if err := f.store.AddMember(ctx, groupID, id); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCreateGroupNotifiesCreatorOnly(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")

	f.router.CreateGroup(context.Background(), "alice", "raid night", "")

	lists := alice.received(types.TopicGroupList)
	if len(lists) != 1 {
		t.Fatalf("creator expected 1 group list, got %d", len(lists))
	}
	payload := lists[0].payload.(*types.GroupListPayload)
	if len(payload.List) != 1 || payload.List[0].Title != "raid night" {
		t.Errorf("unexpected group list: %+v", payload)
	}
	if got := len(bob.sent); got != 0 {
		t.Errorf("non-member received %d envelopes", got)
	}
}

func TestCreateGroupOfflineCreatorIgnored(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)

	f.router.CreateGroup(context.Background(), "ghost", "nope", "")

	if len(f.store.groups) != 0 {
		t.Error("group persisted for offline creator")
	}
}

func TestBroadcastReachesOnlyOnlineMembers(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")
	outsider := f.connect(t, "dave", "Dave")
	f.seedGroup(t, "g1", "guild", "alice", "bob", "carol") // carol is offline

	f.router.Broadcast(context.Background(), "alice", "g1", "hello")

	for _, conn := range []*fakeConn{alice, bob} {
		msgs := conn.received(types.TopicGroup)
		if len(msgs) != 1 {
			t.Fatalf("%s expected 1 group message, got %d", conn.UserID(), len(msgs))
		}
		chat := msgs[0].payload.(*types.ChatMessage)
		if chat.UserID != "alice" || chat.Name != "Alice" || chat.Msg != "hello" || chat.GroupID != "g1" {
			t.Errorf("unexpected chat payload: %+v", chat)
		}
	}
	if got := len(outsider.received(types.TopicGroup)); got != 0 {
		t.Errorf("non-member received %d group messages", got)
	}
}

func TestBroadcastFromNonMemberDropped(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	f.connect(t, "dave", "Dave")
	alice := f.connect(t, "alice", "Alice")
	f.seedGroup(t, "g1", "guild", "alice")

	f.router.Broadcast(context.Background(), "dave", "g1", "let me in")

	if got := len(alice.received(types.TopicGroup)); got != 0 {
		t.Errorf("members received %d messages from a non-member", got)
	}
}

func TestBroadcastCensorsText(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	f.seedGroup(t, "g1", "guild", "alice")

	f.router.Broadcast(context.Background(), "alice", "g1", "darn lag")

	msgs := alice.received(types.TopicGroup)
	if len(msgs) != 1 {
		t.Fatal("expected 1 message")
	}
	if got := msgs[0].payload.(*types.ChatMessage).Msg; got != "***** lag" {
		t.Errorf("expected censored text, got %q", got)
	}
}

func TestInviteInvitationModeStoresPendingInvite(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice")

	f.router.Invite(context.Background(), "alice", "bob", "g1")

	if _, ok := f.store.invites["bob"]["g1"]; !ok {
		t.Fatal("invitation not persisted")
	}
	if _, ok := f.store.members["g1"]["bob"]; ok {
		t.Error("invitation mode added member directly")
	}

	lists := bob.received(types.TopicInvitationList)
	if len(lists) != 1 {
		t.Fatalf("target expected 1 invitation list, got %d", len(lists))
	}
	payload := lists[0].payload.(*types.GroupListPayload)
	if len(payload.List) != 1 || payload.List[0].GroupID != "g1" {
		t.Errorf("unexpected invitation list: %+v", payload)
	}
}

func TestInviteDirectModeAddsImmediately(t *testing.T) {
	f := newFixture(t, types.JoinModeDirect)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice")

	f.router.Invite(context.Background(), "alice", "bob", "g1")

	if _, ok := f.store.members["g1"]["bob"]; !ok {
		t.Fatal("direct mode did not persist membership")
	}
	for _, conn := range []*fakeConn{alice, bob} {
		joins := conn.received(types.TopicGroupJoin)
		if len(joins) != 1 {
			t.Fatalf("%s expected 1 join event, got %d", conn.UserID(), len(joins))
		}
		event := joins[0].payload.(*types.GroupMemberEvent)
		if event.UserID != "bob" || event.Name != "Bob" {
			t.Errorf("unexpected join event: %+v", event)
		}
	}
}

func TestInviteFromNonMemberDropped(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	f.connect(t, "dave", "Dave")
	f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice")

	f.router.Invite(context.Background(), "dave", "bob", "g1")

	if len(f.store.invites["bob"]) != 0 {
		t.Error("non-member invite was persisted")
	}
}

func TestAcceptInviteJoinsGroup(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice")
	f.router.OnAuthenticated(context.Background(), "alice")
	_ = f.store.PutInvitation(context.Background(), "bob", "g1")

	f.router.AcceptInvite(context.Background(), "bob", "g1")

	if _, ok := f.store.members["g1"]["bob"]; !ok {
		t.Fatal("accept did not persist membership")
	}
	if len(f.store.invites["bob"]) != 0 {
		t.Error("invitation not consumed")
	}
	if got := len(alice.received(types.TopicGroupJoin)); got != 1 {
		t.Errorf("existing member expected 1 join event, got %d", got)
	}
	if got := len(bob.received(types.TopicGroupList)); got == 0 {
		t.Error("new member did not receive a refreshed group list")
	}
}

func TestAcceptWithoutInvitationIsNoOp(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	bob := f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice")

	f.router.AcceptInvite(context.Background(), "bob", "g1")

	if _, ok := f.store.members["g1"]["bob"]; ok {
		t.Error("accept without invitation joined the group")
	}
	if got := len(bob.sent); got != 0 {
		t.Errorf("expected no envelopes, got %d", got)
	}
}

func TestDeclineInviteConsumesWithoutJoining(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	bob := f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice")
	_ = f.store.PutInvitation(context.Background(), "bob", "g1")

	f.router.DeclineInvite(context.Background(), "bob", "g1")

	if len(f.store.invites["bob"]) != 0 {
		t.Error("declined invitation still pending")
	}
	if _, ok := f.store.members["g1"]["bob"]; ok {
		t.Error("decline joined the group")
	}
	if got := len(bob.received(types.TopicInvitationList)); got != 1 {
		t.Errorf("expected 1 refreshed invitation list, got %d", got)
	}
}

func TestJoinPolicyBlocksAdd(t *testing.T) {
	store := newFakeStore()
	sessions := session.NewRegistry(zerolog.Nop())
	denyAll := func(context.Context, string, string) error { return context.Canceled }
	router := NewRouter(store, sessions, censor.New(nil, nil, ""), types.JoinModeInvitation, denyAll, zerolog.Nop())
	f := &routerFixture{store: store, sessions: sessions, router: router}
	f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice")
	_ = store.PutInvitation(context.Background(), "bob", "g1")

	router.AcceptInvite(context.Background(), "bob", "g1")

	if _, ok := store.members["g1"]["bob"]; ok {
		t.Error("join policy did not block the add")
	}
}

func TestLeaveNotifiesRemainingMembers(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice", "bob")
	f.router.OnAuthenticated(context.Background(), "alice")
	f.router.OnAuthenticated(context.Background(), "bob")

	f.router.Leave(context.Background(), "g1", "bob")

	leaves := alice.received(types.TopicGroupLeave)
	if len(leaves) != 1 {
		t.Fatalf("remaining member expected 1 leave event, got %d", len(leaves))
	}
	event := leaves[0].payload.(*types.GroupMemberEvent)
	if event.UserID != "bob" || event.GroupID != "g1" {
		t.Errorf("unexpected leave event: %+v", event)
	}
	if got := len(bob.received(types.TopicGroupLeave)); got != 0 {
		t.Error("departing member received its own leave event")
	}
	if got := len(bob.received(types.TopicGroupList)); got == 0 {
		t.Error("departing member did not receive a refreshed group list")
	}
	if _, ok := f.store.members["g1"]["bob"]; ok {
		t.Error("leave did not persist removal")
	}
}

func TestKickRemovesTarget(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice", "bob")
	f.router.OnAuthenticated(context.Background(), "bob")

	f.router.Kick(context.Background(), "g1", "bob")

	if _, ok := f.store.members["g1"]["bob"]; ok {
		t.Error("kick did not persist removal")
	}
	if got := len(bob.received(types.TopicGroupList)); got == 0 {
		t.Error("kicked member did not receive a refreshed group list")
	}
}

func TestUpdateGroupFansOutToMembers(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice", "bob")

	f.router.UpdateGroup(context.Background(), "alice", "g1", "new name", "icon.png")

	if f.store.groups["g1"].Title != "new name" {
		t.Error("update not persisted")
	}
	for _, conn := range []*fakeConn{alice, bob} {
		updates := conn.received(types.TopicUpdateGroup)
		if len(updates) != 1 {
			t.Fatalf("%s expected 1 update event, got %d", conn.UserID(), len(updates))
		}
		payload := updates[0].payload.(*types.UpdateGroupPayload)
		if payload.Title != "new name" || payload.IconURL != "icon.png" {
			t.Errorf("unexpected update payload: %+v", payload)
		}
	}
}

func TestUpdateGroupFromNonMemberDropped(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	f.connect(t, "dave", "Dave")
	f.seedGroup(t, "g1", "guild", "alice")

	f.router.UpdateGroup(context.Background(), "dave", "g1", "hijacked", "")

	if f.store.groups["g1"].Title != "guild" {
		t.Error("non-member update was persisted")
	}
}

func TestWhisperEchoesSender(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")

	f.router.Whisper("alice", "Alice", "Bob", "", "darn it")

	for _, conn := range []*fakeConn{alice, bob} {
		whispers := conn.received(types.TopicWhisper)
		if len(whispers) != 1 {
			t.Fatalf("%s expected 1 whisper, got %d", conn.UserID(), len(whispers))
		}
		chat := whispers[0].payload.(*types.ChatMessage)
		if chat.UserID != "alice" || chat.Msg != "***** it" {
			t.Errorf("unexpected whisper payload: %+v", chat)
		}
	}
}

func TestWhisperByUserID(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")

	f.router.Whisper("alice", "Alice", "", "bob", "psst")

	if got := len(bob.received(types.TopicWhisper)); got != 1 {
		t.Errorf("target expected 1 whisper, got %d", got)
	}
}

func TestWhisperToUnknownTargetDropsEcho(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")

	f.router.Whisper("alice", "Alice", "Nobody", "", "hello?")

	if got := len(alice.received(types.TopicWhisper)); got != 0 {
		t.Errorf("sender received %d echoes for an undeliverable whisper", got)
	}
}

func TestGlobalReachesEverySession(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")

	f.router.Global("alice", "Alice", "hello world")

	for _, conn := range []*fakeConn{alice, bob} {
		if got := len(conn.received(types.TopicGlobal)); got != 1 {
			t.Errorf("%s expected 1 global message, got %d", conn.UserID(), got)
		}
	}
}

func TestOnAuthenticatedWarmsCacheAndPushesLists(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	f.seedGroup(t, "g1", "guild", "alice")
	_ = f.store.PutInvitation(context.Background(), "alice", "g2")
	f.seedGroup(t, "g2", "other guild")

	f.router.OnAuthenticated(context.Background(), "alice")

	if got := len(alice.received(types.TopicGroupList)); got != 1 {
		t.Errorf("expected 1 group list push, got %d", got)
	}
	invites := alice.received(types.TopicInvitationList)
	if len(invites) != 1 {
		t.Fatalf("expected 1 invitation list push, got %d", len(invites))
	}
	payload := invites[0].payload.(*types.GroupListPayload)
	if len(payload.List) != 1 || payload.List[0].GroupID != "g2" {
		t.Errorf("unexpected invitation list: %+v", payload)
	}
}

func TestNotifyGroupUserList(t *testing.T) {
	f := newFixture(t, types.JoinModeInvitation)
	alice := f.connect(t, "alice", "Alice")
	f.connect(t, "bob", "Bob")
	f.seedGroup(t, "g1", "guild", "alice", "bob")

	f.router.NotifyGroupUserList(context.Background(), "alice", "g1")

	lists := alice.received(types.TopicGroupUserList)
	if len(lists) != 1 {
		t.Fatalf("expected 1 member list, got %d", len(lists))
	}
	payload := lists[0].payload.(*types.GroupUserListPayload)
	if payload.GroupID != "g1" || len(payload.List) != 2 {
		t.Errorf("unexpected member list: %+v", payload)
	}
}
