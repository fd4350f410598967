package app

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"snapview/api/internal/auth"
	"snapview/api/internal/blob"
	"snapview/api/internal/config"
	"snapview/api/internal/events"
	"snapview/api/internal/rbac"
	"snapview/api/internal/search"
	"snapview/api/internal/store"
	"snapview/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateShareLinkInput struct {
	Password string `json:"password"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertSnapshot(context.Context, store.Snapshot) error
	GetSnapshot(context.Context, string) (store.Snapshot, error)
	ListSnapshots(context.Context) ([]store.Snapshot, error)
	SaveShareLink(context.Context, store.ShareLink) error
	GetShareLink(context.Context, string) (store.ShareLink, error)
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string, bool) ([]store.Comment, error)
	UpdateCommentContent(context.Context, string, string) (bool, error)
	PublishComment(context.Context, string) (bool, error)
	ResolveComment(context.Context, string, string) (bool, error)
	ArchiveComment(context.Context, string) (bool, error)
	InsertReview(context.Context, store.Review) error
	GetReview(context.Context, string) (store.Review, error)
	ListReviews(context.Context, string) ([]store.Review, error)
	SubmitParticipantFeedback(context.Context, string, string, string, string) (store.Review, error)
	CancelReview(context.Context, string) (bool, error)
}

// refreshStore is the subset of dataStore that can live in Redis instead
// of Postgres when REDIS_URL is configured.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type blobStorage interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (int64, error)
	Stat(ctx context.Context, key string) (int64, error)
	PresignedGetURL(ctx context.Context, key, fileName string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	blobs    blobStorage
	search   *search.Service
	events   events.Sink
}

func New(cfg config.Config, dataStore *store.PostgresStore, blobs *blob.Storage, searcher *search.Service, sink events.Sink) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		search:   searcher,
		events:   sink,
	}
	if blobs != nil {
		svc.blobs = blobs
	}
	if sink == nil {
		svc.events = events.LogSink{}
	}
	return svc
}

// NewWithSessionStore swaps the refresh token backend for Redis while
// everything else stays in Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshStore, blobs *blob.Storage, searcher *search.Service, sink events.Sink) *Service {
	svc := New(cfg, dataStore, blobs, searcher, sink)
	if sessions != nil {
		svc.sessions = sessions
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a demo snapshot with a comment thread and a pending
// review on an empty database. It is a no-op once data exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	snapshots, err := s.store.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) > 0 {
		return nil
	}

	owner, err := s.store.EnsureUserByName(ctx, "Avery")
	if err != nil {
		return err
	}
	reviewerOne, err := s.store.EnsureUserByName(ctx, "Marcus K.")
	if err != nil {
		return err
	}
	reviewerTwo, err := s.store.EnsureUserByName(ctx, "Sarah R.")
	if err != nil {
		return err
	}

	snapshot := store.Snapshot{
		ID:       util.NewID("snap"),
		Name:     "Checkout flow v3",
		OwnerID:  owner.ID,
		IsPublic: true,
	}
	if err := s.store.InsertSnapshot(ctx, snapshot); err != nil {
		return err
	}

	rootComment := store.Comment{
		ID:              util.NewID("cmt"),
		SnapshotID:      snapshot.ID,
		AuthorID:        reviewerOne.ID,
		AuthorName:      reviewerOne.DisplayName,
		Content:         "The primary CTA is below the fold on smaller viewports.",
		ElementSelector: "#checkout-submit",
		ElementText:     "Place order",
		Position:        &store.Position{X: 420, Y: 960, ElementID: "checkout-submit"},
		Status:          "published",
	}
	if err := s.store.InsertComment(ctx, rootComment); err != nil {
		return err
	}
	reply := store.Comment{
		ID:         util.NewID("cmt"),
		SnapshotID: snapshot.ID,
		AuthorID:   owner.ID,
		AuthorName: owner.DisplayName,
		Content:    "Good catch, moving it above the order summary.",
		ParentID:   &rootComment.ID,
		Status:     "published",
	}
	if err := s.store.InsertComment(ctx, reply); err != nil {
		return err
	}

	review := store.Review{
		ID:          util.NewID("rev"),
		SnapshotID:  snapshot.ID,
		RequestedBy: owner.ID,
		Notes:       "Please focus on the payment step.",
		Status:      "pending",
		Participants: []store.Participant{
			{UserID: reviewerOne.ID, UserName: reviewerOne.DisplayName, UserEmail: reviewerOne.Email, Status: "pending", SortOrder: 0},
			{UserID: reviewerTwo.ID, UserName: reviewerTwo.DisplayName, UserEmail: reviewerTwo.Email, Status: "pending", SortOrder: 1},
		},
	}
	return s.store.InsertReview(ctx, review)
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis backend only persists the user ID, re-read the identity.
	if user.DisplayName == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) emit(ctx context.Context, eventType string, payload map[string]any) {
	s.events.Emit(ctx, eventType, payload)
}

// --- snapshots ---

// canViewSnapshot is the read-access rule: public snapshots are open to
// every authenticated user, private ones to their owner and admins.
// Share links bypass this, they are an explicit grant.
func (s *Service) canViewSnapshot(session Session, snapshot store.Snapshot) bool {
	return snapshot.IsPublic || snapshot.OwnerID == session.UserID || s.Can(session.Role, rbac.ActionAdmin)
}

// loadAccessibleSnapshot fetches a snapshot and enforces canViewSnapshot.
func (s *Service) loadAccessibleSnapshot(ctx context.Context, session Session, snapshotID string) (store.Snapshot, error) {
	snapshot, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if !s.canViewSnapshot(session, snapshot) {
		return store.Snapshot{}, domainError(http.StatusForbidden, "FORBIDDEN", "you do not have access to this snapshot", nil)
	}
	return snapshot, nil
}

func (s *Service) ListSnapshots(ctx context.Context, session Session) ([]map[string]any, error) {
	snapshots, err := s.store.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snapshots))
	for _, snapshot := range snapshots {
		if !s.canViewSnapshot(session, snapshot) {
			continue
		}
		items = append(items, snapshotPayload(snapshot))
	}
	return items, nil
}

func (s *Service) CreateSnapshot(ctx context.Context, session Session, name string, isPublic bool) (map[string]any, error) {
	snapshotName := strings.TrimSpace(name)
	if snapshotName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	snapshot := store.Snapshot{
		ID:       util.NewID("snap"),
		Name:     snapshotName,
		OwnerID:  session.UserID,
		IsPublic: isPublic,
	}
	if err := s.store.InsertSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	created, err := s.store.GetSnapshot(ctx, snapshot.ID)
	if err != nil {
		return nil, err
	}
	return snapshotPayload(created), nil
}

func (s *Service) GetSnapshot(ctx context.Context, session Session, snapshotID string) (map[string]any, error) {
	snapshot, err := s.loadAccessibleSnapshot(ctx, session, snapshotID)
	if err != nil {
		return nil, err
	}
	return snapshotPayload(snapshot), nil
}

func snapshotPayload(snapshot store.Snapshot) map[string]any {
	return map[string]any{
		"id":        snapshot.ID,
		"name":      snapshot.Name,
		"ownerId":   snapshot.OwnerID,
		"isPublic":  snapshot.IsPublic,
		"createdAt": snapshot.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// --- share links ---

func (s *Service) CreateShareLink(ctx context.Context, session Session, snapshotID string, input CreateShareLinkInput) (map[string]any, error) {
	snapshot, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snapshot.OwnerID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the snapshot owner can share it", nil)
	}

	link := store.ShareLink{
		Token:      util.NewID("shr"),
		SnapshotID: snapshot.ID,
		CreatedBy:  session.UserID,
	}
	if password := strings.TrimSpace(input.Password); password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		link.PasswordHash = string(hash)
	}
	if err := s.store.SaveShareLink(ctx, link); err != nil {
		return nil, err
	}

	s.emit(ctx, "snapshot_shared", map[string]any{
		"snapshotId": snapshot.ID,
		"sharedBy":   session.UserID,
		"protected":  link.PasswordHash != "",
	})

	return map[string]any{
		"token":      link.Token,
		"url":        "/share/" + link.Token,
		"snapshotId": snapshot.ID,
		"protected":  link.PasswordHash != "",
	}, nil
}

// AccessShare resolves a public share link. Password-gated links reject
// access with FORBIDDEN until the correct password is presented.
func (s *Service) AccessShare(ctx context.Context, token, password string) (map[string]any, error) {
	link, err := s.store.GetShareLink(ctx, token)
	if err != nil {
		return nil, err
	}
	if link.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "password required", map[string]any{"protected": true})
		}
	}

	snapshot, err := s.store.GetSnapshot(ctx, link.SnapshotID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, snapshot.ID, false)
	if err != nil {
		return nil, err
	}
	// Anonymous viewers never see drafts, regardless of author.
	visible := comments[:0:0]
	for _, comment := range comments {
		if comment.Status == "draft" {
			continue
		}
		visible = append(visible, comment)
	}

	return map[string]any{
		"snapshot": snapshotPayload(snapshot),
		"comments": threadComments(visible),
	}, nil
}

// --- attachments ---

func (s *Service) UploadAttachment(ctx context.Context, session Session, snapshotID, fileName, contentType string, size int64, body io.Reader) (map[string]any, error) {
	if s.blobs == nil {
		return nil, domainError(http.StatusBadGateway, "DEPENDENCY_ERROR", "attachment storage is not configured", nil)
	}
	if _, err := s.loadAccessibleSnapshot(ctx, session, snapshotID); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(fileName)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fileName is required", nil)
	}
	if size <= 0 || size > s.cfg.MaxAttachmentSize {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "attachment exceeds the size limit", map[string]any{"maxBytes": s.cfg.MaxAttachmentSize})
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := snapshotID + "/" + util.NewID("att")
	stored, err := s.blobs.Put(ctx, key, body, size, contentType)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "DEPENDENCY_ERROR", "attachment upload failed", nil)
	}

	return map[string]any{
		"blobKey":     key,
		"fileName":    name,
		"contentType": contentType,
		"size":        stored,
	}, nil
}

func (s *Service) AttachmentURL(ctx context.Context, session Session, commentID, attachmentID string) (map[string]any, error) {
	if s.blobs == nil {
		return nil, domainError(http.StatusBadGateway, "DEPENDENCY_ERROR", "attachment storage is not configured", nil)
	}
	comment, err := s.loadVisibleComment(ctx, session, commentID)
	if err != nil {
		return nil, err
	}
	for _, attachment := range comment.Attachments {
		if attachment.ID != attachmentID {
			continue
		}
		url, err := s.blobs.PresignedGetURL(ctx, attachment.BlobKey, attachment.FileName, 15*time.Minute)
		if err != nil {
			return nil, domainError(http.StatusBadGateway, "DEPENDENCY_ERROR", "could not sign attachment URL", nil)
		}
		return map[string]any{
			"url":       url,
			"fileName":  attachment.FileName,
			"expiresIn": int((15 * time.Minute).Seconds()),
		}, nil
	}
	return nil, sql.ErrNoRows
}
