package types

import "encoding/json"

// Envelope is the wire frame for every websocket message, inbound and
// outbound: a topic name plus a topic-specific payload. Payload stays raw
// until the handler for the topic decodes it into its typed struct, so a
// malformed payload for one topic never disturbs another.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals a typed payload into an outbound envelope.
func NewEnvelope(topic string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Topic: topic, Payload: raw}, nil
}

// Inbound chat payloads. Each topic decodes into exactly one of these;
// unknown fields are ignored, missing required fields fail validation at the
// handler and the message is dropped.

type ChatPayload struct {
	Msg string `json:"msg"`
}

type WhisperPayload struct {
	TargetName   string `json:"targetName"`
	TargetUserID string `json:"targetUserId"`
	Msg          string `json:"msg"`
}

type GroupChatPayload struct {
	GroupID string `json:"groupId"`
	Msg     string `json:"msg"`
}

type CreateGroupPayload struct {
	Title   string `json:"title"`
	IconURL string `json:"iconUrl"`
}

type UpdateGroupPayload struct {
	GroupID string `json:"groupId"`
	Title   string `json:"title"`
	IconURL string `json:"iconUrl"`
}

type GroupInvitePayload struct {
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
}

type GroupIDPayload struct {
	GroupID string `json:"groupId"`
}

type KickUserPayload struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

// Outbound chat payloads.

type ChatMessage struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Msg     string `json:"msg"`
	GroupID string `json:"groupId,omitempty"`
}

type GroupMemberEvent struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
	Name    string `json:"name,omitempty"`
}

type GroupListPayload struct {
	List []*Group `json:"list"`
}

type GroupUserListPayload struct {
	GroupID string  `json:"groupId"`
	List    []*User `json:"list"`
}

// Playlist payloads.

type SubPayload struct {
	PlaylistID string `json:"playListId"`
}

type PlaylistCommandPayload struct {
	PlaylistID string `json:"playListId"`
}

type SeekPayload struct {
	PlaylistID string  `json:"playListId"`
	Time       float64 `json:"time"`
}

type VolumePayload struct {
	PlaylistID string  `json:"playListId"`
	Volume     float64 `json:"volume"`
}

type SwitchPayload struct {
	PlaylistID string `json:"playListId"`
	MediaID    string `json:"mediaId"`
}