package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
}

type Snapshot struct {
	ID        string
	Name      string
	OwnerID   string
	IsPublic  bool
	CreatedAt time.Time
}

// ShareLink grants anonymous read access to one snapshot. An empty
// PasswordHash means the link is open; otherwise callers must present
// the password on every access.
type ShareLink struct {
	Token        string
	SnapshotID   string
	CreatedBy    string
	PasswordHash string
	CreatedAt    time.Time
}

// Position pins a comment to a coordinate inside the rendered snapshot.
type Position struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

type Attachment struct {
	ID          string
	CommentID   string
	FileName    string
	ContentType string
	Size        int64
	BlobKey     string
	SortOrder   int
	CreatedAt   time.Time
}

type Comment struct {
	ID              string
	SnapshotID      string
	AuthorID        string
	AuthorName      string
	Content         string
	ElementSelector string
	ElementText     string
	Position        *Position
	ParentID        *string
	Status          string // draft, published, resolved, archived
	Attachments     []Attachment
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      *string
}

// Participant is one reviewer's slot inside a review. Identity fields are
// copied at invitation time so the historical record survives account edits.
type Participant struct {
	ReviewID   string
	UserID     string
	UserName   string
	UserEmail  string
	Status     string // pending, reviewing, approved, changes_requested
	Feedback   string
	ReviewedAt *time.Time
	SortOrder  int
}

type Review struct {
	ID           string
	SnapshotID   string
	RequestedBy  string
	Deadline     *time.Time
	Notes        string
	Status       string // pending, in_progress, completed, cancelled
	Participants []Participant
	RequestedAt  time.Time
	UpdatedAt    *time.Time
}
