package listing

import (
	"testing"

	"github.com/rs/zerolog"

	"partyline/pkg/types"
)

func server(title string, players int) *types.GameServer {
	return &types.GameServer{
		Address:       "10.0.0.1",
		Port:          7777,
		Title:         title,
		Map:           "harbor",
		CurrentPlayer: players,
		MaxPlayer:     64,
	}
}

func TestRegisterAndSnapshot(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register("c1", server("beta", 3))
	reg.Register("c2", server("alpha", 5))

	snapshot := reg.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(snapshot))
	}
	if snapshot[0].Title != "alpha" || snapshot[1].Title != "beta" {
		t.Errorf("snapshot not ordered by title: %s, %s", snapshot[0].Title, snapshot[1].Title)
	}
	if snapshot[0].ID != "c2" {
		t.Errorf("server id not bound to connection id: %s", snapshot[0].ID)
	}
}

func TestRegisterReplacesPriorReport(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register("c1", server("alpha", 3))
	reg.Register("c1", server("alpha renamed", 4))

	snapshot := reg.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Title != "alpha renamed" {
		t.Errorf("re-register did not replace the entry: %+v", snapshot)
	}
}

func TestUpdateRefreshesStatus(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register("c1", server("alpha", 3))

	reg.Update("c1", server("alpha", 12))

	if got := reg.Snapshot()[0].CurrentPlayer; got != 12 {
		t.Errorf("expected 12 players, got %d", got)
	}
}

func TestUpdateFromUnknownConnectionDropped(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())

	reg.Update("ghost", server("phantom", 1))

	if got := len(reg.Snapshot()); got != 0 {
		t.Errorf("unknown update created %d entries", got)
	}
}

func TestUnregisterRemovesServer(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register("c1", server("alpha", 3))

	reg.Unregister("c1")

	if got := len(reg.Snapshot()); got != 0 {
		t.Errorf("expected empty listing, got %d entries", got)
	}
}

func TestTotalPlayers(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register("c1", server("alpha", 3))
	reg.Register("c2", server("beta", 9))

	if got := reg.TotalPlayers(); got != 12 {
		t.Errorf("expected 12 total players, got %d", got)
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register("c1", server("alpha", 3))

	reg.Snapshot()[0].CurrentPlayer = 99

	if got := reg.TotalPlayers(); got != 3 {
		t.Errorf("snapshot mutation leaked into the registry: %d", got)
	}
}
