package models

import (
	"strings"
	"time"
)

// PresenceStatus classifies what a viewer is currently doing on the live page.
type PresenceStatus string

const (
	// PresenceWatching marks a viewer with the player open.
	PresenceWatching PresenceStatus = "watching"
	// PresenceChatting marks a viewer active in chat only.
	PresenceChatting PresenceStatus = "chatting"
)

// NormalizePresenceStatus maps free-form client input onto a known status.
// Unknown or empty values default to chatting.
func NormalizePresenceStatus(value string) PresenceStatus {
	switch PresenceStatus(strings.ToLower(strings.TrimSpace(value))) {
	case PresenceWatching:
		return PresenceWatching
	default:
		return PresenceChatting
	}
}

// PresenceEntry records a single active viewer or chatter. Entries are
// refreshed by client heartbeats and evicted once stale.
type PresenceEntry struct {
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	AvatarRef   string         `json:"avatarRef,omitempty"`
	Status      PresenceStatus `json:"status"`
	JoinedAt    time.Time      `json:"joinedAt"`
	LastSeenAt  time.Time      `json:"lastSeenAt"`
}

// PresenceCounts breaks the active population down by status.
type PresenceCounts struct {
	Total    int `json:"total"`
	Watching int `json:"watching"`
	Chatting int `json:"chatting"`
}

// SourceKind tags how a stream source URL should be played back.
type SourceKind string

const (
	// SourceRTMP is a raw broadcast-protocol URL that must be rewritten to
	// a playable manifest URL.
	SourceRTMP SourceKind = "rtmp"
	// SourceHLS is a manifest URL playable as supplied.
	SourceHLS SourceKind = "hls"
	// SourceExternal is a link to an external video platform.
	SourceExternal SourceKind = "external"
	// SourceOther is anything unrecognised, passed through untouched.
	SourceOther SourceKind = "other"
)

// StreamStatus is the mutable live/offline record for a single channel.
// ManifestURL and StartedAt are set exactly when IsLive is true.
type StreamStatus struct {
	ChannelID   string     `json:"channelId"`
	IsLive      bool       `json:"isLive"`
	ManifestURL string     `json:"manifestUrl,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	SourceKind  SourceKind `json:"sourceKind,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	ViewerCount int        `json:"viewerCount"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// StreamKey is an issued publish credential. Only active keys authorise an
// ingest. The secret never leaves the management surface.
type StreamKey struct {
	ID         string     `json:"id"`
	Secret     string     `json:"key"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"isActive"`
	IssuedBy   string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsed,omitempty"`
}

// ChatAuthor identifies the sender of a chat message. Identity is trusted as
// supplied; authentication happens upstream.
type ChatAuthor struct {
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// ChatMessage is a single relayed chat line.
type ChatMessage struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channelId"`
	Author    ChatAuthor `json:"author"`
	Body      string     `json:"body"`
	PostedAt  time.Time  `json:"postedAt"`
}

// Role names an operator privilege tier.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// Operator is an account allowed to drive the admin surfaces. The password is
// stored as a pbkdf2 hash, never in the clear.
type Operator struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the operator holds the named role.
func (o Operator) HasRole(role Role) bool {
	return o.Role == role
}
