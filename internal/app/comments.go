package app

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"snapview/api/internal/rbac"
	"snapview/api/internal/search"
	"snapview/api/internal/store"
	"snapview/api/internal/util"
)

type AttachmentInput struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	BlobKey     string `json:"blobKey"`
}

type CreateCommentInput struct {
	Content         string            `json:"content"`
	ElementSelector string            `json:"elementSelector"`
	ElementText     string            `json:"elementText"`
	Position        *store.Position   `json:"position"`
	ParentID        string            `json:"parentId"`
	Draft           bool              `json:"draft"`
	Attachments     []AttachmentInput `json:"attachments"`
}

type UpdateCommentInput struct {
	Content string `json:"content"`
}

type BulkResolveInput struct {
	CommentIDs []string `json:"commentIds"`
}

// bubbleThreshold is the pixel distance on each axis under which two
// pinned comments collapse into one marker.
const bubbleThreshold = 20.0

type Bubble struct {
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Count      int      `json:"count"`
	CommentIDs []string `json:"commentIds"`
	Resolved   bool     `json:"resolved"`
}

func (s *Service) CreateComment(ctx context.Context, session Session, snapshotID string, input CreateCommentInput) (map[string]any, error) {
	snapshot, err := s.loadAccessibleSnapshot(ctx, session, snapshotID)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if len(content) > s.cfg.MaxCommentLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content exceeds the maximum length", map[string]any{"maxLength": s.cfg.MaxCommentLength})
	}

	comment := store.Comment{
		ID:              util.NewID("cmt"),
		SnapshotID:      snapshot.ID,
		AuthorID:        session.UserID,
		AuthorName:      session.UserName,
		Content:         content,
		ElementSelector: strings.TrimSpace(input.ElementSelector),
		ElementText:     strings.TrimSpace(input.ElementText),
		Position:        input.Position,
		Status:          "published",
	}
	if input.Draft {
		comment.Status = "draft"
	}

	if parentID := strings.TrimSpace(input.ParentID); parentID != "" {
		parent, err := s.store.GetComment(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.SnapshotID != snapshot.ID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent comment belongs to a different snapshot", nil)
		}
		if parent.Status == "archived" {
			return nil, domainError(http.StatusConflict, "INVALID_STATE", "cannot reply to an archived comment", nil)
		}
		if parent.Status == "draft" && parent.AuthorID != session.UserID {
			return nil, err404()
		}
		// Threads stay one level deep: a reply to a reply hangs off the root.
		rootID := parent.ID
		if parent.ParentID != nil {
			rootID = *parent.ParentID
		}
		comment.ParentID = &rootID
		// Replies inherit the thread anchor, they carry no pin of their own.
		comment.Position = nil
		comment.ElementSelector = ""
		comment.ElementText = ""
	}

	if len(input.Attachments) > 0 {
		if s.blobs == nil {
			return nil, domainError(http.StatusBadGateway, "DEPENDENCY_ERROR", "attachment storage is not configured", nil)
		}
		if len(input.Attachments) > s.cfg.MaxAttachments {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "too many attachments", map[string]any{"max": s.cfg.MaxAttachments})
		}
		for i, att := range input.Attachments {
			if strings.TrimSpace(att.BlobKey) == "" || strings.TrimSpace(att.FileName) == "" {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "attachment is missing blobKey or fileName", map[string]any{"index": i})
			}
			size, err := s.blobs.Stat(ctx, att.BlobKey)
			if err != nil {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "attachment blob was not uploaded", map[string]any{"blobKey": att.BlobKey})
			}
			if size > s.cfg.MaxAttachmentSize {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "attachment exceeds the size limit", map[string]any{"blobKey": att.BlobKey})
			}
			comment.Attachments = append(comment.Attachments, store.Attachment{
				ID:          util.NewID("att"),
				CommentID:   comment.ID,
				FileName:    strings.TrimSpace(att.FileName),
				ContentType: att.ContentType,
				Size:        size,
				BlobKey:     att.BlobKey,
				SortOrder:   i,
			})
		}
	}

	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	created, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}

	if created.Status == "published" {
		s.indexComment(created)
		s.emit(ctx, "comment_posted", map[string]any{
			"commentId":  created.ID,
			"snapshotId": created.SnapshotID,
			"authorId":   created.AuthorID,
			"reply":      created.ParentID != nil,
		})
	}
	return commentPayload(created), nil
}

// ListComments returns the snapshot's comment threads. Drafts are only
// visible to their author.
func (s *Service) ListComments(ctx context.Context, session Session, snapshotID string, includeArchived bool) (map[string]any, error) {
	if _, err := s.loadAccessibleSnapshot(ctx, session, snapshotID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, snapshotID, includeArchived)
	if err != nil {
		return nil, err
	}
	visible := comments[:0:0]
	for _, comment := range comments {
		if comment.Status == "draft" && comment.AuthorID != session.UserID {
			continue
		}
		visible = append(visible, comment)
	}
	return map[string]any{"comments": threadComments(visible)}, nil
}

func (s *Service) CommentBubbles(ctx context.Context, session Session, snapshotID string) (map[string]any, error) {
	if _, err := s.loadAccessibleSnapshot(ctx, session, snapshotID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, snapshotID, false)
	if err != nil {
		return nil, err
	}
	pinned := comments[:0:0]
	for _, comment := range comments {
		if comment.Status == "draft" || comment.Position == nil || comment.ParentID != nil {
			continue
		}
		pinned = append(pinned, comment)
	}
	return map[string]any{"bubbles": aggregateBubbles(pinned)}, nil
}

// aggregateBubbles greedily groups pinned comments whose anchors sit
// within bubbleThreshold pixels of each other on both axes. The bubble
// keeps the anchor of its first comment.
func aggregateBubbles(comments []store.Comment) []Bubble {
	bubbles := []Bubble{}
	for _, comment := range comments {
		placed := false
		for i := range bubbles {
			if math.Abs(bubbles[i].X-comment.Position.X) <= bubbleThreshold &&
				math.Abs(bubbles[i].Y-comment.Position.Y) <= bubbleThreshold {
				bubbles[i].Count++
				bubbles[i].CommentIDs = append(bubbles[i].CommentIDs, comment.ID)
				bubbles[i].Resolved = bubbles[i].Resolved && comment.Status == "resolved"
				placed = true
				break
			}
		}
		if !placed {
			bubbles = append(bubbles, Bubble{
				X:          comment.Position.X,
				Y:          comment.Position.Y,
				Count:      1,
				CommentIDs: []string{comment.ID},
				Resolved:   comment.Status == "resolved",
			})
		}
	}
	return bubbles
}

func (s *Service) UpdateComment(ctx context.Context, session Session, commentID string, input UpdateCommentInput) (map[string]any, error) {
	comment, err := s.loadVisibleComment(ctx, session, commentID)
	if err != nil {
		return nil, err
	}
	if comment.AuthorID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the author can edit a comment", nil)
	}

	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if len(content) > s.cfg.MaxCommentLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content exceeds the maximum length", map[string]any{"maxLength": s.cfg.MaxCommentLength})
	}

	ok, err := s.store.UpdateCommentContent(ctx, commentID, content)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "only draft or published comments can be edited", nil)
	}

	updated, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if updated.Status == "published" {
		s.indexComment(updated)
	}
	return commentPayload(updated), nil
}

func (s *Service) PublishComment(ctx context.Context, session Session, commentID string) (map[string]any, error) {
	comment, err := s.loadVisibleComment(ctx, session, commentID)
	if err != nil {
		return nil, err
	}
	if comment.AuthorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the author can publish a draft", nil)
	}

	ok, err := s.store.PublishComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "only draft comments can be published", nil)
	}

	published, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	s.indexComment(published)
	s.emit(ctx, "comment_posted", map[string]any{
		"commentId":  published.ID,
		"snapshotId": published.SnapshotID,
		"authorId":   published.AuthorID,
		"reply":      published.ParentID != nil,
	})
	return commentPayload(published), nil
}

// ResolveComment marks a published comment as addressed. Replies keep
// their own status, resolution does not cascade through the thread.
func (s *Service) ResolveComment(ctx context.Context, session Session, commentID string) (map[string]any, error) {
	comment, err := s.loadVisibleComment(ctx, session, commentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireModerator(ctx, session, comment); err != nil {
		return nil, err
	}

	ok, err := s.store.ResolveComment(ctx, commentID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "only published comments can be resolved", nil)
	}

	resolved, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	s.indexComment(resolved)
	s.emit(ctx, "comment_resolved", map[string]any{
		"commentId":  resolved.ID,
		"snapshotId": resolved.SnapshotID,
		"resolvedBy": session.UserID,
	})
	return commentPayload(resolved), nil
}

// ArchiveComment hides a comment from default listings. Archiving an
// already archived comment is a no-op, not an error.
func (s *Service) ArchiveComment(ctx context.Context, session Session, commentID string) (map[string]any, error) {
	comment, err := s.loadVisibleComment(ctx, session, commentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireModerator(ctx, session, comment); err != nil {
		return nil, err
	}

	changed, err := s.store.ArchiveComment(ctx, commentID)
	if err != nil {
		return nil, err
	}

	archived, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.deindexComment(archived.ID)
		s.emit(ctx, "comment_archived", map[string]any{
			"commentId":  archived.ID,
			"snapshotId": archived.SnapshotID,
			"archivedBy": session.UserID,
		})
	}
	return commentPayload(archived), nil
}

// BulkResolveComments resolves each comment independently and reports
// per-comment outcomes, one bad ID never aborts the batch.
func (s *Service) BulkResolveComments(ctx context.Context, session Session, snapshotID string, input BulkResolveInput) (map[string]any, error) {
	if _, err := s.loadAccessibleSnapshot(ctx, session, snapshotID); err != nil {
		return nil, err
	}
	if len(input.CommentIDs) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "commentIds is required", nil)
	}

	results := make([]map[string]any, 0, len(input.CommentIDs))
	for _, commentID := range input.CommentIDs {
		if err := s.checkBulkTarget(ctx, session, snapshotID, commentID); err != nil {
			_, code, message, _ := mapError(err)
			results = append(results, map[string]any{
				"commentId": commentID,
				"ok":        false,
				"code":      code,
				"error":     message,
			})
			continue
		}
		if _, err := s.ResolveComment(ctx, session, commentID); err != nil {
			_, code, message, _ := mapError(err)
			results = append(results, map[string]any{
				"commentId": commentID,
				"ok":        false,
				"code":      code,
				"error":     message,
			})
			continue
		}
		results = append(results, map[string]any{
			"commentId": commentID,
			"ok":        true,
		})
	}
	return map[string]any{"results": results}, nil
}

func (s *Service) checkBulkTarget(ctx context.Context, session Session, snapshotID, commentID string) error {
	comment, err := s.loadVisibleComment(ctx, session, commentID)
	if err != nil {
		return err
	}
	if comment.SnapshotID != snapshotID {
		return err404()
	}
	return nil
}

// requireModerator allows the comment author, the snapshot owner, and
// admins to resolve or archive a comment.
func (s *Service) requireModerator(ctx context.Context, session Session, comment store.Comment) error {
	if comment.AuthorID == session.UserID || s.Can(session.Role, rbac.ActionAdmin) {
		return nil
	}
	snapshot, err := s.store.GetSnapshot(ctx, comment.SnapshotID)
	if err != nil {
		return err
	}
	if snapshot.OwnerID == session.UserID {
		return nil
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "only the author or snapshot owner can do this", nil)
}

// loadVisibleComment fetches a comment, treating other users' drafts as
// if they did not exist.
func (s *Service) loadVisibleComment(ctx context.Context, session Session, commentID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.Status == "draft" && comment.AuthorID != session.UserID {
		return store.Comment{}, err404()
	}
	return comment, nil
}

func err404() error {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *Service) indexComment(comment store.Comment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:          comment.ID,
		Content:     comment.Content,
		ElementText: comment.ElementText,
		SnapshotID:  comment.SnapshotID,
		AuthorName:  comment.AuthorName,
		Status:      comment.Status,
	})
}

func (s *Service) deindexComment(commentID string) {
	if s.search == nil {
		return
	}
	s.search.DeleteComment(commentID)
}

func (s *Service) SearchComments(ctx context.Context, q, snapshotID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{
		Text:             q,
		FilterSnapshotID: snapshotID,
		Limit:            limit,
		Offset:           offset,
	}), nil
}

// threadComments nests replies under their root comment, ordered by
// creation time within each thread. A reply whose root was filtered out
// (archived, or a draft hidden from the caller) surfaces as its own
// thread so it never disappears from the listing.
func threadComments(comments []store.Comment) []map[string]any {
	threads := []map[string]any{}
	byRoot := map[string]map[string]any{}
	for _, comment := range comments {
		if comment.ParentID != nil {
			continue
		}
		payload := commentPayload(comment)
		payload["replies"] = []map[string]any{}
		threads = append(threads, payload)
		byRoot[comment.ID] = payload
	}
	for _, comment := range comments {
		if comment.ParentID == nil {
			continue
		}
		root, ok := byRoot[*comment.ParentID]
		if !ok {
			payload := commentPayload(comment)
			payload["replies"] = []map[string]any{}
			threads = append(threads, payload)
			continue
		}
		root["replies"] = append(root["replies"].([]map[string]any), commentPayload(comment))
	}
	return threads
}

func commentPayload(comment store.Comment) map[string]any {
	payload := map[string]any{
		"id":         comment.ID,
		"snapshotId": comment.SnapshotID,
		"authorId":   comment.AuthorID,
		"authorName": comment.AuthorName,
		"content":    comment.Content,
		"status":     comment.Status,
		"createdAt":  comment.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  comment.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if comment.ElementSelector != "" {
		payload["elementSelector"] = comment.ElementSelector
	}
	if comment.ElementText != "" {
		payload["elementText"] = comment.ElementText
	}
	if comment.Position != nil {
		payload["position"] = comment.Position
	}
	if comment.ParentID != nil {
		payload["parentId"] = *comment.ParentID
	}
	if comment.ResolvedAt != nil {
		payload["resolvedAt"] = comment.ResolvedAt.UTC().Format(time.RFC3339)
	}
	if comment.ResolvedBy != nil {
		payload["resolvedBy"] = *comment.ResolvedBy
	}
	attachments := make([]map[string]any, 0, len(comment.Attachments))
	for _, attachment := range comment.Attachments {
		attachments = append(attachments, map[string]any{
			"id":          attachment.ID,
			"fileName":    attachment.FileName,
			"contentType": attachment.ContentType,
			"size":        attachment.Size,
		})
	}
	payload["attachments"] = attachments
	return payload
}
