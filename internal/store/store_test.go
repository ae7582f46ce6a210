package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"partyline/pkg/database"
	"partyline/pkg/interfaces"
	"partyline/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &database.Config{
		DatabasePath:    filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:  5,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
	manager, err := NewManager(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestUserRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	user := &types.User{UserID: "alice", Name: "Alice", IconURL: "http://icons/alice.png"}
	if err := m.UpsertUser(ctx, user); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := m.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "Alice" || got.IconURL != "http://icons/alice.png" {
		t.Errorf("unexpected user: %+v", got)
	}
}

func TestUpsertUserReplacesProfile(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_ = m.UpsertUser(ctx, &types.User{UserID: "alice", Name: "Alice"})
	if err := m.UpsertUser(ctx, &types.User{UserID: "alice", Name: "Alicia"}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := m.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Alicia" {
		t.Errorf("upsert did not replace name: %s", got.Name)
	}
}

func TestGetUserNotFound(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.GetUser(context.Background(), "ghost"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertUserRejectsInvalid(t *testing.T) {
	m := newTestManager(t)

	if err := m.UpsertUser(context.Background(), &types.User{UserID: "bad id", Name: "X"}); err == nil {
		t.Error("expected validation error")
	}
}

func TestListUsers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		if err := m.UpsertUser(ctx, &types.User{UserID: name, Name: name}); err != nil {
			t.Fatal(err)
		}
	}

	users, err := m.ListUsers(ctx, []string{"alice", "carol", "ghost"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %d", len(users))
	}

	empty, err := m.ListUsers(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty id list: got %d users, err %v", len(empty), err)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	group := &types.Group{GroupID: "g1", Title: "guild", IconURL: "icon.png"}
	if err := m.CreateGroup(ctx, group); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := m.UpdateGroup(ctx, "g1", "renamed", "other.png"); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := m.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "renamed" || got.IconURL != "other.png" {
		t.Errorf("unexpected group: %+v", got)
	}
}

func TestMembershipRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_ = m.UpsertUser(ctx, &types.User{UserID: "alice", Name: "Alice"})
	_ = m.CreateGroup(ctx, &types.Group{GroupID: "g1", Title: "guild"})

	if err := m.AddMember(ctx, "g1", "alice"); err != nil {
		t.Fatalf("add member failed: %v", err)
	}
	// Re-adding replaces the stale row rather than erroring.
	if err := m.AddMember(ctx, "g1", "alice"); err != nil {
		t.Fatalf("duplicate add failed: %v", err)
	}

	memberIDs, err := m.ListMemberIDs(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(memberIDs) != 1 || memberIDs[0] != "alice" {
		t.Errorf("unexpected members: %v", memberIDs)
	}

	groupIDs, err := m.ListGroupIDsForUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(groupIDs) != 1 || groupIDs[0] != "g1" {
		t.Errorf("unexpected groups: %v", groupIDs)
	}

	if err := m.RemoveMember(ctx, "g1", "alice"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	memberIDs, _ = m.ListMemberIDs(ctx, "g1")
	if len(memberIDs) != 0 {
		t.Errorf("member not removed: %v", memberIDs)
	}
}

func TestInvitationLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.PutInvitation(ctx, "bob", "g1"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	// Overwriting the same pair is fine.
	if err := m.PutInvitation(ctx, "bob", "g1"); err != nil {
		t.Fatalf("duplicate put failed: %v", err)
	}

	groupIDs, err := m.ListInvitationGroupIDs(ctx, "bob")
	if err != nil || len(groupIDs) != 1 {
		t.Fatalf("unexpected invitations: %v, err %v", groupIDs, err)
	}

	existed, err := m.DeleteInvitation(ctx, "bob", "g1")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}

	existed, err = m.DeleteInvitation(ctx, "bob", "g1")
	if err != nil || existed {
		t.Errorf("second delete: existed=%v err=%v", existed, err)
	}
}

func TestCreateMediaAssignsSortOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first := &types.MediaItem{MediaID: "m1", PlaylistID: "p1", FilePath: "/a.mp4", Duration: 10}
	second := &types.MediaItem{MediaID: "m2", PlaylistID: "p1", FilePath: "/b.mp4", Duration: 20}
	other := &types.MediaItem{MediaID: "x1", PlaylistID: "p2", FilePath: "/c.mp4", Duration: 30}

	for _, item := range []*types.MediaItem{first, second, other} {
		if err := m.CreateMedia(ctx, item); err != nil {
			t.Fatalf("create %s failed: %v", item.MediaID, err)
		}
	}

	if first.SortOrder != 1 || second.SortOrder != 2 {
		t.Errorf("sort orders not sequential: %d, %d", first.SortOrder, second.SortOrder)
	}
	if other.SortOrder != 1 {
		t.Errorf("sort order not scoped per playlist: %d", other.SortOrder)
	}
}

func TestListMediaOrdered(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := m.CreateMedia(ctx, &types.MediaItem{MediaID: id, PlaylistID: "p1", FilePath: "/" + id, Duration: 5}); err != nil {
			t.Fatal(err)
		}
	}

	items, err := m.ListMedia(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if items[i].MediaID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, items[i].MediaID)
		}
	}
}

func TestDeleteMedia(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_ = m.CreateMedia(ctx, &types.MediaItem{MediaID: "m1", PlaylistID: "p1", FilePath: "/a", Duration: 5})
	if err := m.DeleteMedia(ctx, "m1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := m.GetMedia(ctx, "m1"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListPlaylistIDs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_ = m.CreateMedia(ctx, &types.MediaItem{MediaID: "m1", PlaylistID: "p1", FilePath: "/a", Duration: 5})
	_ = m.CreateMedia(ctx, &types.MediaItem{MediaID: "m2", PlaylistID: "p1", FilePath: "/b", Duration: 5})
	_ = m.CreateMedia(ctx, &types.MediaItem{MediaID: "m3", PlaylistID: "p2", FilePath: "/c", Duration: 5})

	ids, err := m.ListPlaylistIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 distinct playlists, got %v", ids)
	}
}

func TestHealthCheck(t *testing.T) {
	m := newTestManager(t)
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	m := newTestManager(t)
	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	err := m.UpsertUser(context.Background(), &types.User{UserID: "alice", Name: "Alice"})
	if err == nil {
		t.Error("expected error writing to a closed store")
	}
}
