package models

import "time"

// PostStatus is the lifecycle status of a post.
type PostStatus string

const (
	StatusDraft           PostStatus = "draft"
	StatusPendingApproval PostStatus = "pending_approval"
	StatusNeedsRevision   PostStatus = "needs_revision"
	StatusApproved        PostStatus = "approved"
	StatusScheduled       PostStatus = "scheduled"
	StatusPosted          PostStatus = "posted"
	StatusError           PostStatus = "error"
)

// Role is a user's role within a workspace.
type Role string

const (
	RoleAuthor  Role = "author"
	RoleManager Role = "manager"
	RoleClient  Role = "client"
)

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   *string   `json:"ownerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type WorkspaceMember struct {
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ConnectedAccount is a distribution endpoint owned by exactly one workspace.
// Token fields hold vault ciphertext; plaintext is only ever visible through
// the account directory.
type ConnectedAccount struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspaceId"`
	Platform        string     `json:"platform"`
	ExternalID      string     `json:"externalId"`
	ExternalName    *string    `json:"externalName,omitempty"`
	IsActive        bool       `json:"isActive"`
	AccessTokenEnc  string     `json:"-"`
	RefreshTokenEnc *string    `json:"-"`
	TokenExpiresAt  *time.Time `json:"tokenExpiresAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type Post struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspaceId"`
	AccountID      string     `json:"accountId"`
	AuthorID       *string    `json:"authorId,omitempty"`
	Content        string     `json:"content"`
	MediaURL       *string    `json:"mediaUrl,omitempty"`
	Status         PostStatus `json:"status"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	PostedAt       *time.Time `json:"postedAt,omitempty"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	PlatformPostID *string    `json:"platformPostId,omitempty"`
	LatestFeedback *string    `json:"latestFeedback,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// DispatchRequest is the scheduler's durable record for one scheduled post.
// At most one row exists per post; Generation invalidates stale attempts after
// a reschedule or delete.
type DispatchRequest struct {
	PostID     string     `json:"postId"`
	DueAt      time.Time  `json:"dueAt"`
	Attempt    int        `json:"attempt"`
	Generation int64      `json:"generation"`
	ClaimedBy  *string    `json:"claimedBy,omitempty"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
