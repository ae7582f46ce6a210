package interfaces

import (
	"context"

	"partyline/pkg/types"
)

// Store is the external persistence collaborator: users, groups, group
// membership, pending invitations and the ordered media catalog. Single-row
// operations are strongly consistent; multi-step sequences are not wrapped
// in transactions by callers (a crash between steps leaves recoverable
// inconsistencies only).
type Store interface {
	// User records.
	UpsertUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, userID string) (*types.User, error)
	ListUsers(ctx context.Context, userIDs []string) ([]*types.User, error)

	// Group records.
	CreateGroup(ctx context.Context, group *types.Group) error
	UpdateGroup(ctx context.Context, groupID, title, iconURL string) error
	GetGroup(ctx context.Context, groupID string) (*types.Group, error)
	ListGroups(ctx context.Context, groupIDs []string) ([]*types.Group, error)

	// Membership. AddMember replaces any stale duplicate row.
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	ListMemberIDs(ctx context.Context, groupID string) ([]string, error)
	ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error)

	// Pending invitations. PutInvitation overwrites an existing pair.
	// DeleteInvitation reports whether the pair existed.
	PutInvitation(ctx context.Context, userID, groupID string) error
	DeleteInvitation(ctx context.Context, userID, groupID string) (bool, error)
	ListInvitationGroupIDs(ctx context.Context, userID string) ([]string, error)

	// Media catalog. ListMedia returns items ordered by sort order with
	// insertion order breaking ties. CreateMedia assigns the next sort order
	// within the item's playlist.
	CreateMedia(ctx context.Context, media *types.MediaItem) error
	GetMedia(ctx context.Context, mediaID string) (*types.MediaItem, error)
	DeleteMedia(ctx context.Context, mediaID string) error
	ListMedia(ctx context.Context, playlistID string) ([]*types.MediaItem, error)
	ListPlaylistIDs(ctx context.Context) ([]string, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
