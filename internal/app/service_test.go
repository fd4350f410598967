package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"snapview/api/internal/config"
	"snapview/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn          func(context.Context, string) (store.User, error)
	getUserByIDFn               func(context.Context, string) (store.User, error)
	insertSnapshotFn            func(context.Context, store.Snapshot) error
	getSnapshotFn               func(context.Context, string) (store.Snapshot, error)
	listSnapshotsFn             func(context.Context) ([]store.Snapshot, error)
	saveShareLinkFn             func(context.Context, store.ShareLink) error
	getShareLinkFn              func(context.Context, string) (store.ShareLink, error)
	insertCommentFn             func(context.Context, store.Comment) error
	getCommentFn                func(context.Context, string) (store.Comment, error)
	listCommentsFn              func(context.Context, string, bool) ([]store.Comment, error)
	updateCommentContentFn      func(context.Context, string, string) (bool, error)
	publishCommentFn            func(context.Context, string) (bool, error)
	resolveCommentFn            func(context.Context, string, string) (bool, error)
	archiveCommentFn            func(context.Context, string) (bool, error)
	insertReviewFn              func(context.Context, store.Review) error
	getReviewFn                 func(context.Context, string) (store.Review, error)
	listReviewsFn               func(context.Context, string) ([]store.Review, error)
	submitParticipantFeedbackFn func(context.Context, string, string, string, string) (store.Review, error)
	cancelReviewFn              func(context.Context, string) (bool, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "user-1", DisplayName: name, Role: "reviewer"}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "User", Role: "reviewer"}, nil
}
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error        { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	return false, nil
}
func (f *fakeStore) InsertSnapshot(ctx context.Context, snapshot store.Snapshot) error {
	if f.insertSnapshotFn != nil {
		return f.insertSnapshotFn(ctx, snapshot)
	}
	return nil
}
func (f *fakeStore) GetSnapshot(ctx context.Context, snapshotID string) (store.Snapshot, error) {
	if f.getSnapshotFn != nil {
		return f.getSnapshotFn(ctx, snapshotID)
	}
	return store.Snapshot{ID: snapshotID, Name: "Snapshot", OwnerID: "user-owner", IsPublic: true}, nil
}
func (f *fakeStore) ListSnapshots(ctx context.Context) ([]store.Snapshot, error) {
	if f.listSnapshotsFn != nil {
		return f.listSnapshotsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) SaveShareLink(ctx context.Context, link store.ShareLink) error {
	if f.saveShareLinkFn != nil {
		return f.saveShareLinkFn(ctx, link)
	}
	return nil
}
func (f *fakeStore) GetShareLink(ctx context.Context, token string) (store.ShareLink, error) {
	if f.getShareLinkFn != nil {
		return f.getShareLinkFn(ctx, token)
	}
	return store.ShareLink{}, sql.ErrNoRows
}
func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	return nil
}
func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) ListComments(ctx context.Context, snapshotID string, includeArchived bool) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, snapshotID, includeArchived)
	}
	return nil, nil
}
func (f *fakeStore) UpdateCommentContent(ctx context.Context, commentID, content string) (bool, error) {
	if f.updateCommentContentFn != nil {
		return f.updateCommentContentFn(ctx, commentID, content)
	}
	return false, nil
}
func (f *fakeStore) PublishComment(ctx context.Context, commentID string) (bool, error) {
	if f.publishCommentFn != nil {
		return f.publishCommentFn(ctx, commentID)
	}
	return false, nil
}
func (f *fakeStore) ResolveComment(ctx context.Context, commentID, resolvedBy string) (bool, error) {
	if f.resolveCommentFn != nil {
		return f.resolveCommentFn(ctx, commentID, resolvedBy)
	}
	return false, nil
}
func (f *fakeStore) ArchiveComment(ctx context.Context, commentID string) (bool, error) {
	if f.archiveCommentFn != nil {
		return f.archiveCommentFn(ctx, commentID)
	}
	return false, nil
}
func (f *fakeStore) InsertReview(ctx context.Context, review store.Review) error {
	if f.insertReviewFn != nil {
		return f.insertReviewFn(ctx, review)
	}
	return nil
}
func (f *fakeStore) GetReview(ctx context.Context, reviewID string) (store.Review, error) {
	if f.getReviewFn != nil {
		return f.getReviewFn(ctx, reviewID)
	}
	return store.Review{}, sql.ErrNoRows
}
func (f *fakeStore) ListReviews(ctx context.Context, snapshotID string) ([]store.Review, error) {
	if f.listReviewsFn != nil {
		return f.listReviewsFn(ctx, snapshotID)
	}
	return nil, nil
}
func (f *fakeStore) SubmitParticipantFeedback(ctx context.Context, reviewID, userID, decision, feedback string) (store.Review, error) {
	if f.submitParticipantFeedbackFn != nil {
		return f.submitParticipantFeedbackFn(ctx, reviewID, userID, decision, feedback)
	}
	return store.Review{}, sql.ErrNoRows
}
func (f *fakeStore) CancelReview(ctx context.Context, reviewID string) (bool, error) {
	if f.cancelReviewFn != nil {
		return f.cancelReviewFn(ctx, reviewID)
	}
	return false, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Emit(_ context.Context, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:         "test-secret",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		MaxCommentLength:  5000,
		MaxAttachments:    6,
		MaxAttachmentSize: 10 * 1024 * 1024,
	}
}

func newTestService(fs *fakeStore, sink *recordingSink) *Service {
	svc := &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: fs,
	}
	if sink != nil {
		svc.events = sink
	} else {
		svc.events = &recordingSink{}
	}
	return svc
}

func commenterSession() Session {
	return Session{UserID: "user-1", UserName: "Marcus K.", Role: "commenter"}
}

func ownerSession() Session {
	return Session{UserID: "user-owner", UserName: "Avery", Role: "reviewer"}
}

func TestCreateCommentRequiresContent(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.CreateComment(context.Background(), commenterSession(), "snap-1", CreateCommentInput{Content: "   "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestCreateCommentRejectsOversizedContent(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.CreateComment(context.Background(), commenterSession(), "snap-1", CreateCommentInput{
		Content: strings.Repeat("a", 5001),
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestCreateCommentFlattensNestedReply(t *testing.T) {
	rootID := "cmt-root"
	var inserted store.Comment
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			switch commentID {
			case "cmt-reply":
				return store.Comment{ID: "cmt-reply", SnapshotID: "snap-1", ParentID: &rootID, Status: "published"}, nil
			case inserted.ID:
				return inserted, nil
			}
			return store.Comment{}, sql.ErrNoRows
		},
		insertCommentFn: func(_ context.Context, comment store.Comment) error {
			inserted = comment
			return nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.CreateComment(context.Background(), commenterSession(), "snap-1", CreateCommentInput{
		Content:  "nested reply",
		ParentID: "cmt-reply",
		Position: &store.Position{X: 10, Y: 10},
	})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if inserted.ParentID == nil || *inserted.ParentID != rootID {
		t.Fatalf("expected reply to hang off root %q, got %v", rootID, inserted.ParentID)
	}
	if inserted.Position != nil {
		t.Fatalf("expected reply to carry no position, got %+v", inserted.Position)
	}
}

func TestCreateCommentRejectsCrossSnapshotParent(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, SnapshotID: "snap-other", Status: "published"}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.CreateComment(context.Background(), commenterSession(), "snap-1", CreateCommentInput{
		Content:  "reply",
		ParentID: "cmt-1",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestCreateCommentRejectsReplyToArchivedParent(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, SnapshotID: "snap-1", Status: "archived"}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.CreateComment(context.Background(), commenterSession(), "snap-1", CreateCommentInput{
		Content:  "reply",
		ParentID: "cmt-1",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", domainErr.Code)
	}
}

func TestDraftCommentPostsNoEvent(t *testing.T) {
	var inserted store.Comment
	fs := &fakeStore{
		insertCommentFn: func(_ context.Context, comment store.Comment) error {
			inserted = comment
			return nil
		},
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			if commentID == inserted.ID {
				return inserted, nil
			}
			return store.Comment{}, sql.ErrNoRows
		},
	}
	sink := &recordingSink{}
	svc := newTestService(fs, sink)

	payload, err := svc.CreateComment(context.Background(), commenterSession(), "snap-1", CreateCommentInput{
		Content: "work in progress",
		Draft:   true,
	})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if payload["status"] != "draft" {
		t.Fatalf("expected draft status, got %v", payload["status"])
	}
	if len(sink.all()) != 0 {
		t.Fatalf("expected no events for a draft, got %v", sink.all())
	}
}

func TestListCommentsHidesOtherUsersDrafts(t *testing.T) {
	fs := &fakeStore{
		listCommentsFn: func(_ context.Context, _ string, _ bool) ([]store.Comment, error) {
			return []store.Comment{
				{ID: "cmt-1", SnapshotID: "snap-1", AuthorID: "user-1", Status: "published"},
				{ID: "cmt-2", SnapshotID: "snap-1", AuthorID: "user-2", Status: "draft"},
				{ID: "cmt-3", SnapshotID: "snap-1", AuthorID: "user-1", Status: "draft"},
			}, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.ListComments(context.Background(), commenterSession(), "snap-1", false)
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	threads := payload["comments"].([]map[string]any)
	if len(threads) != 2 {
		t.Fatalf("expected 2 visible threads, got %d", len(threads))
	}
	for _, thread := range threads {
		if thread["id"] == "cmt-2" {
			t.Fatalf("another user's draft leaked into the listing")
		}
	}
}

func TestListCommentsSurfacesRepliesOfArchivedRoots(t *testing.T) {
	rootID := "cmt-root"
	fs := &fakeStore{
		listCommentsFn: func(_ context.Context, _ string, _ bool) ([]store.Comment, error) {
			// The archived root is filtered out by the store's default listing.
			return []store.Comment{
				{ID: "cmt-reply", SnapshotID: "snap-1", AuthorID: "user-2", ParentID: &rootID, Status: "published"},
			}, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.ListComments(context.Background(), commenterSession(), "snap-1", false)
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	threads := payload["comments"].([]map[string]any)
	if len(threads) != 1 {
		t.Fatalf("expected the orphaned reply to surface as its own thread, got %d threads", len(threads))
	}
	if threads[0]["id"] != "cmt-reply" {
		t.Fatalf("expected cmt-reply at top level, got %v", threads[0]["id"])
	}
}

func TestPrivateSnapshotForbiddenForNonOwner(t *testing.T) {
	fs := &fakeStore{
		getSnapshotFn: func(_ context.Context, snapshotID string) (store.Snapshot, error) {
			return store.Snapshot{ID: snapshotID, Name: "Internal draft", OwnerID: "user-owner"}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.ListComments(context.Background(), commenterSession(), "snap-1", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}

	if _, err := svc.GetSnapshot(context.Background(), ownerSession(), "snap-1"); err != nil {
		t.Fatalf("expected the owner to read a private snapshot, got %v", err)
	}
}

func TestListSnapshotsHidesPrivateFromNonOwners(t *testing.T) {
	fs := &fakeStore{
		listSnapshotsFn: func(context.Context) ([]store.Snapshot, error) {
			return []store.Snapshot{
				{ID: "snap-public", OwnerID: "user-owner", IsPublic: true},
				{ID: "snap-private", OwnerID: "user-owner"},
				{ID: "snap-mine", OwnerID: "user-1"},
			}, nil
		},
	}
	svc := newTestService(fs, nil)

	items, err := svc.ListSnapshots(context.Background(), commenterSession())
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 visible snapshots, got %d", len(items))
	}
	for _, item := range items {
		if item["id"] == "snap-private" {
			t.Fatalf("private snapshot leaked to a non-owner")
		}
	}
}

func TestResolveCommentRequiresPublished(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, SnapshotID: "snap-1", AuthorID: "user-1", Status: "draft"}, nil
		},
		resolveCommentFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.ResolveComment(context.Background(), commenterSession(), "cmt-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", domainErr.Code)
	}
}

func TestResolveCommentEmitsEvent(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, SnapshotID: "snap-1", AuthorID: "user-1", Status: "published"}, nil
		},
		resolveCommentFn: func(context.Context, string, string) (bool, error) {
			return true, nil
		},
	}
	sink := &recordingSink{}
	svc := newTestService(fs, sink)

	if _, err := svc.ResolveComment(context.Background(), commenterSession(), "cmt-1"); err != nil {
		t.Fatalf("ResolveComment() error = %v", err)
	}
	events := sink.all()
	if len(events) != 1 || events[0] != "comment_resolved" {
		t.Fatalf("expected comment_resolved event, got %v", events)
	}
}

func TestArchiveCommentIsIdempotent(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, SnapshotID: "snap-1", AuthorID: "user-1", Status: "archived"}, nil
		},
		archiveCommentFn: func(context.Context, string) (bool, error) {
			return false, nil
		},
	}
	sink := &recordingSink{}
	svc := newTestService(fs, sink)

	payload, err := svc.ArchiveComment(context.Background(), commenterSession(), "cmt-1")
	if err != nil {
		t.Fatalf("expected re-archive to be a no-op, got %v", err)
	}
	if payload["status"] != "archived" {
		t.Fatalf("expected archived status, got %v", payload["status"])
	}
	if len(sink.all()) != 0 {
		t.Fatalf("expected no event on a no-op archive, got %v", sink.all())
	}
}

func TestArchiveCommentForbiddenForNonAuthor(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, SnapshotID: "snap-1", AuthorID: "user-9", Status: "published"}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.ArchiveComment(context.Background(), commenterSession(), "cmt-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}
}

func TestSnapshotOwnerCanResolveOthersComments(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, SnapshotID: "snap-1", AuthorID: "user-1", Status: "published"}, nil
		},
		resolveCommentFn: func(context.Context, string, string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(fs, nil)

	if _, err := svc.ResolveComment(context.Background(), ownerSession(), "cmt-1"); err != nil {
		t.Fatalf("expected the snapshot owner to resolve, got %v", err)
	}
}

func TestBulkResolveSkipsCommentsFromOtherSnapshots(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, SnapshotID: "snap-other", AuthorID: "user-1", Status: "published"}, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.BulkResolveComments(context.Background(), commenterSession(), "snap-1", BulkResolveInput{
		CommentIDs: []string{"cmt-1"},
	})
	if err != nil {
		t.Fatalf("BulkResolveComments() error = %v", err)
	}
	results := payload["results"].([]map[string]any)
	if results[0]["ok"] != false || results[0]["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for a comment outside the snapshot: %v", results[0])
	}
}

func TestBulkResolveReportsPerCommentOutcomes(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			if commentID == "cmt-missing" {
				return store.Comment{}, sql.ErrNoRows
			}
			return store.Comment{ID: commentID, SnapshotID: "snap-1", AuthorID: "user-1", Status: "published"}, nil
		},
		resolveCommentFn: func(_ context.Context, commentID, _ string) (bool, error) {
			return commentID != "cmt-draft", nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.BulkResolveComments(context.Background(), commenterSession(), "snap-1", BulkResolveInput{
		CommentIDs: []string{"cmt-1", "cmt-missing", "cmt-draft"},
	})
	if err != nil {
		t.Fatalf("BulkResolveComments() error = %v", err)
	}
	results := payload["results"].([]map[string]any)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0]["ok"] != true {
		t.Fatalf("expected first resolve to succeed: %v", results[0])
	}
	if results[1]["ok"] != false || results[1]["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for missing comment: %v", results[1])
	}
	if results[2]["ok"] != false || results[2]["code"] != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE for unresolvable comment: %v", results[2])
	}
}

func TestAggregateBubblesGroupsNearbyPins(t *testing.T) {
	comments := []store.Comment{
		{ID: "cmt-1", Status: "published", Position: &store.Position{X: 10, Y: 10}},
		{ID: "cmt-2", Status: "resolved", Position: &store.Position{X: 15, Y: 12}},
		{ID: "cmt-3", Status: "published", Position: &store.Position{X: 200, Y: 200}},
	}

	bubbles := aggregateBubbles(comments)
	if len(bubbles) != 2 {
		t.Fatalf("expected 2 bubbles, got %d", len(bubbles))
	}
	if bubbles[0].Count != 2 || bubbles[1].Count != 1 {
		t.Fatalf("expected counts 2 and 1, got %d and %d", bubbles[0].Count, bubbles[1].Count)
	}
	if bubbles[0].Resolved {
		t.Fatalf("bubble with an open comment must not be resolved")
	}
}

func TestAggregateBubblesResolvedOnlyWhenAllResolved(t *testing.T) {
	comments := []store.Comment{
		{ID: "cmt-1", Status: "resolved", Position: &store.Position{X: 10, Y: 10}},
		{ID: "cmt-2", Status: "resolved", Position: &store.Position{X: 12, Y: 18}},
	}

	bubbles := aggregateBubbles(comments)
	if len(bubbles) != 1 {
		t.Fatalf("expected 1 bubble, got %d", len(bubbles))
	}
	if !bubbles[0].Resolved {
		t.Fatalf("expected bubble to be resolved when every member is resolved")
	}
}

func TestCreateReviewRejectsDuplicateReviewers(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.CreateReview(context.Background(), ownerSession(), "snap-1", CreateReviewInput{
		ReviewerIDs: []string{"user-2", "user-2"},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestCreateReviewRequiresReviewers(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.CreateReview(context.Background(), ownerSession(), "snap-1", CreateReviewInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestCreateReviewForbiddenForNonOwner(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.CreateReview(context.Background(), commenterSession(), "snap-1", CreateReviewInput{
		ReviewerIDs: []string{"user-2"},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}
}

func TestCreateReviewRejectsUnknownReviewer(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			if userID == "user-ghost" {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: userID, DisplayName: "User"}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.CreateReview(context.Background(), ownerSession(), "snap-1", CreateReviewInput{
		ReviewerIDs: []string{"user-2", "user-ghost"},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestCreateReviewPropagatesReviewerLookupFailure(t *testing.T) {
	lookupErr := errors.New("connection reset")
	fs := &fakeStore{
		getUserByIDFn: func(context.Context, string) (store.User, error) {
			return store.User{}, lookupErr
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.CreateReview(context.Background(), ownerSession(), "snap-1", CreateReviewInput{
		ReviewerIDs: []string{"user-2"},
	})
	if !errors.Is(err, lookupErr) {
		t.Fatalf("expected the store error to propagate, got %v", err)
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		t.Fatalf("a transient lookup failure must not read as a validation error, got %v", domainErr)
	}
}

func TestCreateReviewEmitsRequestedEvent(t *testing.T) {
	var inserted store.Review
	fs := &fakeStore{
		insertReviewFn: func(_ context.Context, review store.Review) error {
			inserted = review
			return nil
		},
		getReviewFn: func(_ context.Context, reviewID string) (store.Review, error) {
			if reviewID == inserted.ID {
				return inserted, nil
			}
			return store.Review{}, sql.ErrNoRows
		},
	}
	sink := &recordingSink{}
	svc := newTestService(fs, sink)

	payload, err := svc.CreateReview(context.Background(), ownerSession(), "snap-1", CreateReviewInput{
		ReviewerIDs: []string{"user-2", "user-3"},
		Notes:       "focus on the payment step",
	})
	if err != nil {
		t.Fatalf("CreateReview() error = %v", err)
	}
	events := sink.all()
	if len(events) != 1 || events[0] != "review_requested" {
		t.Fatalf("expected review_requested event, got %v", events)
	}
	progress := payload["progress"].(map[string]any)
	if progress["completed"] != 0 || progress["total"] != 2 {
		t.Fatalf("expected progress 0/2, got %v", progress)
	}
}

func TestSubmitFeedbackRejectsInvalidDecision(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.SubmitReviewFeedback(context.Background(), commenterSession(), "rev-1", ReviewFeedbackInput{Decision: "maybe"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestSubmitFeedbackRequiresText(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	for _, decision := range []string{"approved", "changes_requested"} {
		_, err := svc.SubmitReviewFeedback(context.Background(), commenterSession(), "rev-1", ReviewFeedbackInput{
			Decision: decision,
			Feedback: "   ",
		})
		var domainErr *DomainError
		if !errors.As(err, &domainErr) {
			t.Fatalf("%s: expected DomainError, got %v", decision, err)
		}
		if domainErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("%s: expected VALIDATION_ERROR, got %s", decision, domainErr.Code)
		}
	}
}

func TestSubmitFeedbackForbiddenForNonParticipant(t *testing.T) {
	fs := &fakeStore{
		getReviewFn: func(_ context.Context, reviewID string) (store.Review, error) {
			return store.Review{
				ID:     reviewID,
				Status: "pending",
				Participants: []store.Participant{
					{UserID: "user-2", Status: "pending"},
				},
			}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.SubmitReviewFeedback(context.Background(), commenterSession(), "rev-1", ReviewFeedbackInput{Decision: "approved", Feedback: "looks good"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}
}

func TestSubmitFeedbackMapsClosedReview(t *testing.T) {
	fs := &fakeStore{
		getReviewFn: func(_ context.Context, reviewID string) (store.Review, error) {
			return store.Review{
				ID:     reviewID,
				Status: "cancelled",
				Participants: []store.Participant{
					{UserID: "user-1", Status: "pending"},
				},
			}, nil
		},
		submitParticipantFeedbackFn: func(context.Context, string, string, string, string) (store.Review, error) {
			return store.Review{}, store.ErrReviewClosed
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.SubmitReviewFeedback(context.Background(), commenterSession(), "rev-1", ReviewFeedbackInput{Decision: "approved", Feedback: "looks good"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", domainErr.Code)
	}
}

func TestSubmitFeedbackMapsDoubleResponse(t *testing.T) {
	fs := &fakeStore{
		getReviewFn: func(_ context.Context, reviewID string) (store.Review, error) {
			return store.Review{
				ID:     reviewID,
				Status: "in_progress",
				Participants: []store.Participant{
					{UserID: "user-1", Status: "approved"},
				},
			}, nil
		},
		submitParticipantFeedbackFn: func(context.Context, string, string, string, string) (store.Review, error) {
			return store.Review{}, store.ErrAlreadyResponded
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.SubmitReviewFeedback(context.Background(), commenterSession(), "rev-1", ReviewFeedbackInput{Decision: "approved", Feedback: "looks good"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", domainErr.Code)
	}
}

func TestSubmitFeedbackEmitsDecisionEvent(t *testing.T) {
	fs := &fakeStore{
		getReviewFn: func(_ context.Context, reviewID string) (store.Review, error) {
			return store.Review{
				ID:     reviewID,
				Status: "pending",
				Participants: []store.Participant{
					{UserID: "user-1", Status: "pending"},
				},
			}, nil
		},
		submitParticipantFeedbackFn: func(_ context.Context, reviewID, userID, decision, feedback string) (store.Review, error) {
			return store.Review{
				ID:     reviewID,
				Status: "in_progress",
				Participants: []store.Participant{
					{UserID: userID, Status: decision, Feedback: feedback},
				},
			}, nil
		},
	}
	sink := &recordingSink{}
	svc := newTestService(fs, sink)

	_, err := svc.SubmitReviewFeedback(context.Background(), commenterSession(), "rev-1", ReviewFeedbackInput{
		Decision: "changes_requested",
		Feedback: "the summary overlaps the footer",
	})
	if err != nil {
		t.Fatalf("SubmitReviewFeedback() error = %v", err)
	}
	events := sink.all()
	if len(events) != 1 || events[0] != "review_rejected" {
		t.Fatalf("expected review_rejected event, got %v", events)
	}
}

func TestCancelReviewForbiddenForNonRequester(t *testing.T) {
	fs := &fakeStore{
		getReviewFn: func(_ context.Context, reviewID string) (store.Review, error) {
			return store.Review{ID: reviewID, RequestedBy: "user-owner", Status: "pending"}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.CancelReview(context.Background(), commenterSession(), "rev-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}
}

func TestCancelReviewRejectsClosedReview(t *testing.T) {
	fs := &fakeStore{
		getReviewFn: func(_ context.Context, reviewID string) (store.Review, error) {
			return store.Review{ID: reviewID, RequestedBy: "user-owner", Status: "completed"}, nil
		},
		cancelReviewFn: func(context.Context, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.CancelReview(context.Background(), ownerSession(), "rev-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", domainErr.Code)
	}
}

func TestReviewOverdueDerivation(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	cases := []struct {
		name   string
		review store.Review
		want   bool
	}{
		{"no deadline", store.Review{Status: "pending"}, false},
		{"future deadline", store.Review{Status: "pending", Deadline: &future}, false},
		{"past deadline open", store.Review{Status: "in_progress", Deadline: &past}, true},
		{"past deadline completed", store.Review{Status: "completed", Deadline: &past}, false},
		{"past deadline cancelled", store.Review{Status: "cancelled", Deadline: &past}, false},
	}
	for _, tc := range cases {
		if got := reviewOverdue(tc.review, time.Now()); got != tc.want {
			t.Fatalf("%s: reviewOverdue = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestReviewPayloadCountsResponses(t *testing.T) {
	review := store.Review{
		ID:     "rev-1",
		Status: "in_progress",
		Participants: []store.Participant{
			{UserID: "user-1", Status: "approved"},
			{UserID: "user-2", Status: "reviewing"},
			{UserID: "user-3", Status: "changes_requested"},
			{UserID: "user-4", Status: "pending"},
		},
	}

	payload := reviewPayload(review)
	progress := payload["progress"].(map[string]any)
	if progress["completed"] != 2 || progress["total"] != 4 {
		t.Fatalf("expected progress 2/4, got %v", progress)
	}
}
