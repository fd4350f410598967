package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"snapview/api/internal/rbac"
	"snapview/api/internal/store"
	"snapview/api/internal/util"
)

type CreateReviewInput struct {
	ReviewerIDs []string `json:"reviewerIds"`
	Deadline    string   `json:"deadline"`
	Notes       string   `json:"notes"`
}

type ReviewFeedbackInput struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback"`
}

var allowedDecisions = map[string]struct{}{
	"approved":          {},
	"changes_requested": {},
}

func (s *Service) CreateReview(ctx context.Context, session Session, snapshotID string, input CreateReviewInput) (map[string]any, error) {
	snapshot, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snapshot.OwnerID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the snapshot owner can request a review", nil)
	}
	if len(input.ReviewerIDs) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one reviewer is required", nil)
	}

	seen := map[string]struct{}{}
	participants := make([]store.Participant, 0, len(input.ReviewerIDs))
	for i, reviewerID := range input.ReviewerIDs {
		reviewerID = strings.TrimSpace(reviewerID)
		if reviewerID == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reviewer id must not be empty", map[string]any{"index": i})
		}
		if _, dup := seen[reviewerID]; dup {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "duplicate reviewer", map[string]any{"reviewerId": reviewerID})
		}
		seen[reviewerID] = struct{}{}

		reviewer, err := s.store.GetUserByID(ctx, reviewerID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reviewer does not exist", map[string]any{"reviewerId": reviewerID})
		}
		if err != nil {
			return nil, err
		}
		participants = append(participants, store.Participant{
			UserID:    reviewer.ID,
			UserName:  reviewer.DisplayName,
			UserEmail: reviewer.Email,
			Status:    "pending",
			SortOrder: i,
		})
	}

	review := store.Review{
		ID:           util.NewID("rev"),
		SnapshotID:   snapshot.ID,
		RequestedBy:  session.UserID,
		Notes:        strings.TrimSpace(input.Notes),
		Status:       "pending",
		Participants: participants,
	}
	if raw := strings.TrimSpace(input.Deadline); raw != "" {
		deadline, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "deadline must be RFC3339", nil)
		}
		review.Deadline = &deadline
	}

	if err := s.store.InsertReview(ctx, review); err != nil {
		return nil, err
	}
	created, err := s.store.GetReview(ctx, review.ID)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, "review_requested", map[string]any{
		"reviewId":    created.ID,
		"snapshotId":  created.SnapshotID,
		"requestedBy": created.RequestedBy,
		"reviewers":   input.ReviewerIDs,
	})
	return reviewPayload(created), nil
}

func (s *Service) ListReviews(ctx context.Context, session Session, snapshotID string) (map[string]any, error) {
	if _, err := s.loadAccessibleSnapshot(ctx, session, snapshotID); err != nil {
		return nil, err
	}
	reviews, err := s.store.ListReviews(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reviews))
	for _, review := range reviews {
		items = append(items, reviewPayload(review))
	}
	return map[string]any{"reviews": items}, nil
}

func (s *Service) GetReview(ctx context.Context, reviewID string) (map[string]any, error) {
	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	return reviewPayload(review), nil
}

// SubmitReviewFeedback records one reviewer's decision. First response
// wins, a second submission from the same reviewer is rejected.
func (s *Service) SubmitReviewFeedback(ctx context.Context, session Session, reviewID string, input ReviewFeedbackInput) (map[string]any, error) {
	decision := strings.TrimSpace(input.Decision)
	if _, ok := allowedDecisions[decision]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision must be 'approved' or 'changes_requested'", nil)
	}
	feedback := strings.TrimSpace(input.Feedback)
	if feedback == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "feedback is required", nil)
	}

	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	participant := false
	for _, p := range review.Participants {
		if p.UserID == session.UserID {
			participant = true
			break
		}
	}
	if !participant {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "you are not a participant of this review", nil)
	}

	updated, err := s.store.SubmitParticipantFeedback(ctx, reviewID, session.UserID, decision, feedback)
	if err != nil {
		if errors.Is(err, store.ErrReviewClosed) {
			return nil, domainError(http.StatusConflict, "INVALID_STATE", "review is already closed", nil)
		}
		if errors.Is(err, store.ErrAlreadyResponded) {
			return nil, domainError(http.StatusConflict, "INVALID_STATE", "feedback already submitted", nil)
		}
		return nil, err
	}

	eventType := "review_approved"
	if decision == "changes_requested" {
		eventType = "review_rejected"
	}
	s.emit(ctx, eventType, map[string]any{
		"reviewId":     updated.ID,
		"snapshotId":   updated.SnapshotID,
		"reviewerId":   session.UserID,
		"reviewStatus": updated.Status,
	})
	return reviewPayload(updated), nil
}

func (s *Service) CancelReview(ctx context.Context, session Session, reviewID string) (map[string]any, error) {
	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if review.RequestedBy != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the requester can cancel a review", nil)
	}

	ok, err := s.store.CancelReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "review is already closed", nil)
	}

	cancelled, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, "review_cancelled", map[string]any{
		"reviewId":    cancelled.ID,
		"snapshotId":  cancelled.SnapshotID,
		"cancelledBy": session.UserID,
	})
	return reviewPayload(cancelled), nil
}

// reviewPayload renders a review. Progress and overdue are derived on
// every read, they are never stored.
func reviewPayload(review store.Review) map[string]any {
	completed := 0
	participants := make([]map[string]any, 0, len(review.Participants))
	for _, p := range review.Participants {
		if store.HasResponded(p) {
			completed++
		}
		participant := map[string]any{
			"userId":   p.UserID,
			"userName": p.UserName,
			"email":    p.UserEmail,
			"status":   p.Status,
		}
		if p.Feedback != "" {
			participant["feedback"] = p.Feedback
		}
		if p.ReviewedAt != nil {
			participant["reviewedAt"] = p.ReviewedAt.UTC().Format(time.RFC3339)
		}
		participants = append(participants, participant)
	}

	payload := map[string]any{
		"id":           review.ID,
		"snapshotId":   review.SnapshotID,
		"requestedBy":  review.RequestedBy,
		"status":       review.Status,
		"participants": participants,
		"progress": map[string]any{
			"completed": completed,
			"total":     len(review.Participants),
		},
		"overdue":     reviewOverdue(review, time.Now()),
		"requestedAt": review.RequestedAt.UTC().Format(time.RFC3339),
	}
	if review.Notes != "" {
		payload["notes"] = review.Notes
	}
	if review.Deadline != nil {
		payload["deadline"] = review.Deadline.UTC().Format(time.RFC3339)
	}
	if review.UpdatedAt != nil {
		payload["updatedAt"] = review.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func reviewOverdue(review store.Review, now time.Time) bool {
	if review.Deadline == nil {
		return false
	}
	if review.Status == "completed" || review.Status == "cancelled" {
		return false
	}
	return now.After(*review.Deadline)
}
