package group

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"partyline/internal/session"
	"partyline/pkg/interfaces"
	"partyline/pkg/types"
)

// JoinPolicy decides whether a user may be added to a group. It runs for
// both invitation accepts and direct adds, so capacity or permission rules
// apply uniformly in either join mode. A non-nil error drops the add
// silently.
type JoinPolicy func(ctx context.Context, userID, groupID string) error

// AllowAll is the default join policy.
func AllowAll(ctx context.Context, userID, groupID string) error { return nil }

// Router maintains group membership and the invitation workflow, and fans
// chat messages out to exactly the live members of a group. The membership
// cache stores user ids, not connections, so it stays valid across
// reconnects; live connections are resolved through the session registry at
// delivery time.
//
// The mutex is held across each operation's cache reads and writes. Store
// calls are the only suspension points; preconditions read before a store
// call are re-checked against the cache afterwards rather than trusted.
type Router struct {
	store      interfaces.Store
	sessions   *session.Registry
	censor     interfaces.Censor
	mode       types.JoinMode
	joinPolicy JoinPolicy
	logger     zerolog.Logger

	mu      sync.Mutex
	members map[string]map[string]struct{} // groupID -> member userIDs
}

// NewRouter creates a group router.
func NewRouter(store interfaces.Store, sessions *session.Registry, censor interfaces.Censor, mode types.JoinMode, policy JoinPolicy, logger zerolog.Logger) *Router {
	if policy == nil {
		policy = AllowAll
	}
	return &Router{
		store:      store,
		sessions:   sessions,
		censor:     censor,
		mode:       mode,
		joinPolicy: policy,
		logger:     logger.With().Str("component", "group").Logger(),
		members:    make(map[string]map[string]struct{}),
	}
}

// OnAuthenticated warms the membership cache with the user's groups and
// pushes the group and invitation lists, so a freshly connected client sees
// its state without asking.
func (r *Router) OnAuthenticated(ctx context.Context, userID string) {
	groupIDs, err := r.store.ListGroupIDsForUser(ctx, userID)
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Msg("failed to load groups on connect")
		return
	}

	r.mu.Lock()
	for _, groupID := range groupIDs {
		if r.members[groupID] == nil {
			r.members[groupID] = make(map[string]struct{})
		}
		r.members[groupID][userID] = struct{}{}
	}
	r.mu.Unlock()

	r.NotifyGroupList(ctx, userID)
	r.NotifyInvitationList(ctx, userID)
}

// CreateGroup allocates a group with the creator as sole member and replies
// to the creator only.
func (r *Router) CreateGroup(ctx context.Context, creatorID, title, iconURL string) {
	if _, online := r.sessions.Resolve(creatorID); !online {
		return
	}

	group := &types.Group{GroupID: uuid.New().String(), Title: title, IconURL: iconURL}
	if err := group.Validate(); err != nil {
		return
	}
	if err := r.store.CreateGroup(ctx, group); err != nil {
		r.logger.Error().Err(err).Str("user", creatorID).Msg("failed to persist group")
		return
	}
	if err := r.store.AddMember(ctx, group.GroupID, creatorID); err != nil {
		r.logger.Error().Err(err).Str("group", group.GroupID).Msg("failed to persist creator membership")
		return
	}

	r.mu.Lock()
	r.members[group.GroupID] = map[string]struct{}{creatorID: {}}
	r.mu.Unlock()

	r.logger.Info().Str("group", group.GroupID).Str("user", creatorID).Msg("group created")
	r.NotifyGroupList(ctx, creatorID)
}

// UpdateGroup persists a new title/icon and fans the change out to every
// member with a live session. Non-members are dropped silently.
func (r *Router) UpdateGroup(ctx context.Context, actorID, groupID, title, iconURL string) {
	if !r.isMember(ctx, groupID, actorID) {
		return
	}
	if err := r.store.UpdateGroup(ctx, groupID, title, iconURL); err != nil {
		r.logger.Error().Err(err).Str("group", groupID).Msg("failed to persist group update")
		return
	}

	// The store call may have interleaved with a leave/kick; fan out to the
	// membership as it stands now, not as captured before the write.
	r.fanOut(groupID, types.TopicUpdateGroup, &types.UpdateGroupPayload{
		GroupID: groupID,
		Title:   title,
		IconURL: iconURL,
	}, "")
}

// Invite either records a pending invitation (invitation mode) or adds the
// target immediately (direct mode). Inviting as a non-member is a silent
// no-op.
func (r *Router) Invite(ctx context.Context, inviterID, targetUserID, groupID string) {
	if !r.isMember(ctx, groupID, inviterID) {
		return
	}

	switch r.mode {
	case types.JoinModeDirect:
		if err := r.joinPolicy(ctx, targetUserID, groupID); err != nil {
			r.logger.Info().Err(err).Str("user", targetUserID).Str("group", groupID).Msg("direct add rejected by policy")
			return
		}
		r.AddMember(ctx, targetUserID, groupID)
	default:
		if err := r.store.PutInvitation(ctx, targetUserID, groupID); err != nil {
			r.logger.Error().Err(err).Str("user", targetUserID).Str("group", groupID).Msg("failed to persist invitation")
			return
		}
		r.NotifyInvitationList(ctx, targetUserID)
	}
}

// AcceptInvite consumes a pending invitation and joins the group. Accepting
// an invitation that does not exist is a no-op.
func (r *Router) AcceptInvite(ctx context.Context, userID, groupID string) {
	existed, err := r.store.DeleteInvitation(ctx, userID, groupID)
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Str("group", groupID).Msg("failed to delete invitation")
		return
	}
	if !existed {
		return
	}
	if err := r.joinPolicy(ctx, userID, groupID); err != nil {
		r.logger.Info().Err(err).Str("user", userID).Str("group", groupID).Msg("invite accept rejected by policy")
		return
	}
	r.AddMember(ctx, userID, groupID)
}

// DeclineInvite consumes a pending invitation without joining. Declining an
// invitation that does not exist is a no-op.
func (r *Router) DeclineInvite(ctx context.Context, userID, groupID string) {
	existed, err := r.store.DeleteInvitation(ctx, userID, groupID)
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Str("group", groupID).Msg("failed to delete invitation")
		return
	}
	if existed {
		r.NotifyInvitationList(ctx, userID)
	}
}

// AddMember persists membership, updates the cache, announces the join to
// every online member including the new one, and separately pushes the new
// member's refreshed invitation and group lists.
func (r *Router) AddMember(ctx context.Context, userID, groupID string) {
	if err := r.store.AddMember(ctx, groupID, userID); err != nil {
		r.logger.Error().Err(err).Str("user", userID).Str("group", groupID).Msg("failed to persist membership")
		return
	}

	r.mu.Lock()
	if r.members[groupID] == nil {
		r.members[groupID] = make(map[string]struct{})
	}
	r.members[groupID][userID] = struct{}{}
	r.mu.Unlock()

	r.fanOut(groupID, types.TopicGroupJoin, &types.GroupMemberEvent{
		GroupID: groupID,
		UserID:  userID,
		Name:    r.displayName(ctx, userID),
	}, "")

	r.NotifyInvitationList(ctx, userID)
	r.NotifyGroupList(ctx, userID)
}

// Leave removes the acting user from a group.
func (r *Router) Leave(ctx context.Context, groupID, userID string) {
	r.removeMember(ctx, groupID, userID)
}

// Kick removes a target user from a group. Removal resolves to the same
// primitive as a voluntary leave.
func (r *Router) Kick(ctx context.Context, groupID, targetUserID string) {
	r.removeMember(ctx, groupID, targetUserID)
}

// removeMember persists removal and, if the user was a known member, fans
// member-left out to the remaining members. The departing user receives a
// refreshed group list instead of the leave event.
func (r *Router) removeMember(ctx context.Context, groupID, userID string) {
	if groupID == "" || userID == "" {
		return
	}
	if err := r.store.RemoveMember(ctx, groupID, userID); err != nil {
		r.logger.Error().Err(err).Str("user", userID).Str("group", groupID).Msg("failed to persist removal")
		return
	}

	r.mu.Lock()
	set, known := r.members[groupID]
	if known {
		_, known = set[userID]
	}
	if known {
		delete(set, userID)
		if len(set) == 0 {
			delete(r.members, groupID)
		}
	}
	r.mu.Unlock()

	if !known {
		return
	}

	r.NotifyGroupList(ctx, userID)
	r.fanOut(groupID, types.TopicGroupLeave, &types.GroupMemberEvent{
		GroupID: groupID,
		UserID:  userID,
	}, userID)
}

// Broadcast fans a censored chat message out to every online member of a
// group. Non-member senders are dropped silently.
func (r *Router) Broadcast(ctx context.Context, senderID, groupID, msg string) {
	if !r.isMember(ctx, groupID, senderID) {
		return
	}
	r.fanOut(groupID, types.TopicGroup, &types.ChatMessage{
		UserID:  senderID,
		Name:    r.displayName(ctx, senderID),
		Msg:     r.censor.Mask(msg),
		GroupID: groupID,
	}, "")
}

// Local delivers a censored chat message to every live session. Map scoping
// is a client concern; the server treats local as an all-sessions fan-out
// on its own topic.
func (r *Router) Local(senderID, senderName, msg string) {
	r.broadcastAll(types.TopicLocal, senderID, senderName, msg)
}

// Global delivers a censored chat message to every live session.
func (r *Router) Global(senderID, senderName, msg string) {
	r.broadcastAll(types.TopicGlobal, senderID, senderName, msg)
}

// Whisper delivers a censored message to one target, addressed by display
// name or user id, and echoes the identical payload back to the sender so
// both transcripts match. An unresolvable target drops the whisper,
// including the echo.
func (r *Router) Whisper(senderID, senderName, targetName, targetUserID, msg string) {
	var target interfaces.Connection
	var ok bool
	if targetUserID != "" {
		target, ok = r.sessions.Resolve(targetUserID)
	} else {
		target, ok = r.sessions.ResolveByName(targetName)
	}
	if !ok {
		return
	}

	payload := &types.ChatMessage{
		UserID: senderID,
		Name:   senderName,
		Msg:    r.censor.Mask(msg),
	}
	if err := target.Send(types.TopicWhisper, payload); err != nil {
		r.logger.Debug().Err(err).Str("user", target.UserID()).Msg("whisper delivery failed")
	}
	if sender, ok := r.sessions.Resolve(senderID); ok {
		if err := sender.Send(types.TopicWhisper, payload); err != nil {
			r.logger.Debug().Err(err).Str("user", senderID).Msg("whisper echo failed")
		}
	}
}

// NotifyGroupList pushes the user's current group records to the user, if
// online.
func (r *Router) NotifyGroupList(ctx context.Context, userID string) {
	groupIDs, err := r.store.ListGroupIDsForUser(ctx, userID)
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Msg("failed to list user groups")
		return
	}
	groups, err := r.store.ListGroups(ctx, groupIDs)
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Msg("failed to load group records")
		return
	}
	r.sendTo(userID, types.TopicGroupList, &types.GroupListPayload{List: groups})
}

// NotifyGroupUserList pushes a group's member records to the requesting
// user, if online.
func (r *Router) NotifyGroupUserList(ctx context.Context, userID, groupID string) {
	memberIDs, err := r.store.ListMemberIDs(ctx, groupID)
	if err != nil {
		r.logger.Error().Err(err).Str("group", groupID).Msg("failed to list members")
		return
	}
	users, err := r.store.ListUsers(ctx, memberIDs)
	if err != nil {
		r.logger.Error().Err(err).Str("group", groupID).Msg("failed to load member records")
		return
	}
	r.sendTo(userID, types.TopicGroupUserList, &types.GroupUserListPayload{GroupID: groupID, List: users})
}

// NotifyInvitationList pushes the group records the user is invited to, if
// online.
func (r *Router) NotifyInvitationList(ctx context.Context, userID string) {
	groupIDs, err := r.store.ListInvitationGroupIDs(ctx, userID)
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Msg("failed to list invitations")
		return
	}
	groups, err := r.store.ListGroups(ctx, groupIDs)
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Msg("failed to load invited group records")
		return
	}
	r.sendTo(userID, types.TopicInvitationList, &types.GroupListPayload{List: groups})
}

// isMember answers membership from the cache, reading through to the store
// for groups not yet cached (e.g. after a restart).
func (r *Router) isMember(ctx context.Context, groupID, userID string) bool {
	if groupID == "" || userID == "" {
		return false
	}
	if _, online := r.sessions.Resolve(userID); !online {
		return false
	}

	r.mu.Lock()
	set, cached := r.members[groupID]
	if cached {
		_, ok := set[userID]
		r.mu.Unlock()
		return ok
	}
	r.mu.Unlock()

	memberIDs, err := r.store.ListMemberIDs(ctx, groupID)
	if err != nil || len(memberIDs) == 0 {
		return false
	}

	r.mu.Lock()
	set = make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		set[id] = struct{}{}
	}
	r.members[groupID] = set
	_, ok := set[userID]
	r.mu.Unlock()
	return ok
}

// fanOut delivers one event to every cached member with a live session,
// except the user named by skip. Delivery order across members is
// unspecified.
func (r *Router) fanOut(groupID, topic string, payload interface{}, skip string) {
	r.mu.Lock()
	set := r.members[groupID]
	memberIDs := make([]string, 0, len(set))
	for id := range set {
		memberIDs = append(memberIDs, id)
	}
	r.mu.Unlock()

	for _, id := range memberIDs {
		if id == skip {
			continue
		}
		r.sendTo(id, topic, payload)
	}
}

func (r *Router) broadcastAll(topic, senderID, senderName, msg string) {
	payload := &types.ChatMessage{
		UserID: senderID,
		Name:   senderName,
		Msg:    r.censor.Mask(msg),
	}
	for _, conn := range r.sessions.Connections() {
		if err := conn.Send(topic, payload); err != nil {
			r.logger.Debug().Err(err).Str("user", conn.UserID()).Msg("broadcast delivery failed")
		}
	}
}

func (r *Router) sendTo(userID, topic string, payload interface{}) {
	conn, ok := r.sessions.Resolve(userID)
	if !ok {
		return
	}
	if err := conn.Send(topic, payload); err != nil {
		r.logger.Debug().Err(err).Str("user", userID).Str("topic", topic).Msg("delivery failed")
	}
}

// displayName resolves a user's name from the live session when online,
// falling back to the store.
func (r *Router) displayName(ctx context.Context, userID string) string {
	if conn, ok := r.sessions.Resolve(userID); ok {
		return conn.DisplayName()
	}
	if user, err := r.store.GetUser(ctx, userID); err == nil {
		return user.Name
	}
	return ""
}
