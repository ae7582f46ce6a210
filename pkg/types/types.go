package types

// Topic names carried in message envelopes.
// Chat topics ride the /ws/chat endpoint, playlist topics /ws/media,
// relay topics /ws/broadcast and /ws/signal, listing topics /ws/listing.
const (
	TopicLocal          = "local"
	TopicGlobal         = "global"
	TopicWhisper        = "whisper"
	TopicGroup          = "group"
	TopicCreateGroup    = "create-group"
	TopicUpdateGroup    = "update-group"
	TopicGroupInvite    = "group-invite"
	TopicInviteAccept   = "group-invite-accept"
	TopicInviteDecline  = "group-invite-decline"
	TopicLeaveGroup     = "leave-group"
	TopicKickUser       = "kick-user"
	TopicGroupList      = "group-list"
	TopicGroupUserList  = "group-user-list"
	TopicInvitationList = "group-invitation-list"
	TopicGroupJoin      = "group-join"
	TopicGroupLeave     = "group-leave"

	TopicSub    = "sub"
	TopicPlay   = "play"
	TopicPause  = "pause"
	TopicStop   = "stop"
	TopicSeek   = "seek"
	TopicVolume = "volume"
	TopicSwitch = "switch"
	TopicResp   = "resp"

	TopicAll   = "all"
	TopicOther = "other"

	TopicCandidate = "candidate"
	TopicDesc      = "desc"

	TopicListingUpdate = "update"
)

// JoinMode selects how group invitations behave.
type JoinMode string

const (
	// JoinModeInvitation creates a pending invitation the target must accept.
	JoinModeInvitation JoinMode = "invitation"
	// JoinModeDirect adds the target to the group immediately.
	JoinModeDirect JoinMode = "direct"
)

// User is the provisioned identity record.
type User struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	IconURL string `json:"iconUrl"`
}

// Group is the persisted chat group record. Membership lives in its own
// table and is queried where needed.
type Group struct {
	GroupID string `json:"groupId"`
	Title   string `json:"title"`
	IconURL string `json:"iconUrl"`
}

// MediaItem is one entry of a playlist's ordered catalog.
// SortOrder is a total order within the playlist, ties broken by insertion.
type MediaItem struct {
	MediaID    string  `json:"id"`
	PlaylistID string  `json:"playListId"`
	FilePath   string  `json:"filePath"`
	Duration   float64 `json:"duration"`
	SortOrder  int     `json:"sortOrder"`
}

// PlaylistState is the server-authoritative playback state for one playlist.
// Absent entirely when the playlist has no media, never a zero-value
// placeholder.
type PlaylistState struct {
	PlaylistID string  `json:"playListId"`
	MediaID    string  `json:"mediaId"`
	IsPlaying  bool    `json:"isPlaying"`
	FilePath   string  `json:"filePath"`
	Time       float64 `json:"time"`
	Volume     float64 `json:"volume"`
	Duration   float64 `json:"duration"`
}

// GameServer is one entry of the server listing registry.
type GameServer struct {
	ID            string `json:"id"`
	Address       string `json:"address"`
	Port          int    `json:"port"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Map           string `json:"map"`
	CurrentPlayer int    `json:"currentPlayer"`
	MaxPlayer     int    `json:"maxPlayer"`
}
