package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReviewClosed is returned when feedback arrives for a review that
	// has already completed or been cancelled.
	ErrReviewClosed = errors.New("review closed")
	// ErrAlreadyResponded is returned when a participant submits feedback twice.
	ErrAlreadyResponded = errors.New("participant already responded")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users & sessions ---

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.snapview.dev'))
		RETURNING id, display_name, email, role
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, role FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "viewer"
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "viewer"
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- snapshots & share links ---

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snapshot Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, name, owner_id, is_public)
		VALUES ($1, $2, $3, $4)
	`, snapshot.ID, snapshot.Name, snapshot.OwnerID, snapshot.IsPublic)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	var item Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, is_public, created_at
		FROM snapshots
		WHERE id=$1
	`, snapshotID).Scan(&item.ID, &item.Name, &item.OwnerID, &item.IsPublic, &item.CreatedAt)
	if err != nil {
		return Snapshot{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, is_public, created_at
		FROM snapshots
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var item Snapshot
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID, &item.IsPublic, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveShareLink(ctx context.Context, link ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (token, snapshot_id, created_by, password_hash)
		VALUES ($1, $2, $3, $4)
	`, link.Token, link.SnapshotID, link.CreatedBy, link.PasswordHash)
	if err != nil {
		return fmt.Errorf("save share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShareLink(ctx context.Context, token string) (ShareLink, error) {
	var link ShareLink
	err := s.db.QueryRowContext(ctx, `
		SELECT token, snapshot_id, created_by, password_hash, created_at
		FROM share_links
		WHERE token=$1
	`, token).Scan(&link.Token, &link.SnapshotID, &link.CreatedBy, &link.PasswordHash, &link.CreatedAt)
	if err != nil {
		return ShareLink{}, err
	}
	return link, nil
}

// --- comments ---

const commentColumns = `
	c.id, c.snapshot_id, c.author_id, c.author_name, c.content,
	c.element_selector, c.element_text, c.pos_x, c.pos_y, c.pos_element_id,
	c.parent_id, c.status, c.created_at, c.updated_at, c.resolved_at, c.resolved_by
`

func scanComment(scanner interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	var posX, posY sql.NullFloat64
	var posElementID sql.NullString
	err := scanner.Scan(
		&item.ID, &item.SnapshotID, &item.AuthorID, &item.AuthorName, &item.Content,
		&item.ElementSelector, &item.ElementText, &posX, &posY, &posElementID,
		&item.ParentID, &item.Status, &item.CreatedAt, &item.UpdatedAt, &item.ResolvedAt, &item.ResolvedBy,
	)
	if err != nil {
		return Comment{}, err
	}
	if posX.Valid && posY.Valid {
		item.Position = &Position{X: posX.Float64, Y: posY.Float64, ElementID: posElementID.String}
	}
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var posX, posY any
	var posElementID any
	if comment.Position != nil {
		posX = comment.Position.X
		posY = comment.Position.Y
		posElementID = comment.Position.ElementID
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (
			id, snapshot_id, author_id, author_name, content,
			element_selector, element_text, pos_x, pos_y, pos_element_id,
			parent_id, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		comment.ID, comment.SnapshotID, comment.AuthorID, comment.AuthorName, comment.Content,
		comment.ElementSelector, comment.ElementText, posX, posY, posElementID,
		comment.ParentID, comment.Status,
	); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}

	for i, attachment := range comment.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comment_attachments (id, comment_id, file_name, content_type, byte_size, blob_key, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, attachment.ID, comment.ID, attachment.FileName, attachment.ContentType, attachment.Size, attachment.BlobKey, i); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments c WHERE c.id=$1`, commentID)
	item, err := scanComment(row)
	if err != nil {
		return Comment{}, err
	}
	attachments, err := s.listAttachments(ctx, `comment_id = $1`, commentID)
	if err != nil {
		return Comment{}, err
	}
	item.Attachments = attachments[item.ID]
	return item, nil
}

// ListComments returns a snapshot's comments in creation order; replies sit
// interleaved with roots and the display layer regroups them by parent.
func (s *PostgresStore) ListComments(ctx context.Context, snapshotID string, includeArchived bool) ([]Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments c WHERE c.snapshot_id=$1`
	if !includeArchived {
		query += ` AND c.status <> 'archived'`
	}
	query += ` ORDER BY c.created_at ASC, c.id ASC`

	rows, err := s.db.QueryContext(ctx, query, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}

	attachments, err := s.listAttachments(ctx,
		`comment_id IN (SELECT id FROM comments WHERE snapshot_id = $1)`, snapshotID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Attachments = attachments[items[i].ID]
	}
	return items, nil
}

func (s *PostgresStore) listAttachments(ctx context.Context, where string, arg any) (map[string][]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, comment_id, file_name, content_type, byte_size, blob_key, sort_order, created_at
		FROM comment_attachments
		WHERE `+where+`
		ORDER BY comment_id, sort_order
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	byComment := make(map[string][]Attachment)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.CommentID, &item.FileName, &item.ContentType, &item.Size, &item.BlobKey, &item.SortOrder, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		byComment[item.CommentID] = append(byComment[item.CommentID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return byComment, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, commentID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET content=$2, updated_at=NOW()
		WHERE id=$1 AND status IN ('draft', 'published')
	`, commentID, content)
	if err != nil {
		return false, fmt.Errorf("update comment content: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) PublishComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET status='published', updated_at=NOW()
		WHERE id=$1 AND status='draft'
	`, commentID)
	if err != nil {
		return false, fmt.Errorf("publish comment: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ResolveComment(ctx context.Context, commentID, resolvedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET status='resolved', resolved_at=NOW(), resolved_by=$2, updated_at=NOW()
		WHERE id=$1 AND status='published'
	`, commentID, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("resolve comment: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ArchiveComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET status='archived', updated_at=NOW()
		WHERE id=$1 AND status <> 'archived'
	`, commentID)
	if err != nil {
		return false, fmt.Errorf("archive comment: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// --- reviews ---

func (s *PostgresStore) InsertReview(ctx context.Context, review Review) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reviews (id, snapshot_id, requested_by, deadline, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, review.ID, review.SnapshotID, review.RequestedBy, review.Deadline, review.Notes, review.Status); err != nil {
		return fmt.Errorf("insert review: %w", err)
	}

	for i, participant := range review.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_participants (review_id, user_id, user_name, user_email, status, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, review.ID, participant.UserID, participant.UserName, participant.UserEmail, participant.Status, i); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReview(ctx context.Context, reviewID string) (Review, error) {
	var item Review
	err := s.db.QueryRowContext(ctx, `
		SELECT id, snapshot_id, requested_by, deadline, notes, status, requested_at, updated_at
		FROM reviews
		WHERE id=$1
	`, reviewID).Scan(&item.ID, &item.SnapshotID, &item.RequestedBy, &item.Deadline, &item.Notes, &item.Status, &item.RequestedAt, &item.UpdatedAt)
	if err != nil {
		return Review{}, err
	}
	participants, err := s.listParticipants(ctx, s.db, reviewID)
	if err != nil {
		return Review{}, err
	}
	item.Participants = participants
	return item, nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, snapshotID string) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, requested_by, deadline, notes, status, requested_at, updated_at
		FROM reviews
		WHERE snapshot_id=$1
		ORDER BY requested_at DESC
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	items := make([]Review, 0)
	for rows.Next() {
		var item Review
		if err := rows.Scan(&item.ID, &item.SnapshotID, &item.RequestedBy, &item.Deadline, &item.Notes, &item.Status, &item.RequestedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}

	for i := range items {
		participants, err := s.listParticipants(ctx, s.db, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Participants = participants
	}
	return items, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) listParticipants(ctx context.Context, q querier, reviewID string) ([]Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT review_id, user_id, user_name, user_email, status, feedback, reviewed_at, sort_order
		FROM review_participants
		WHERE review_id=$1
		ORDER BY sort_order
	`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var item Participant
		if err := rows.Scan(&item.ReviewID, &item.UserID, &item.UserName, &item.UserEmail, &item.Status, &item.Feedback, &item.ReviewedAt, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

// SubmitParticipantFeedback records one reviewer's decision and recomputes the
// review's aggregate status, all inside a transaction holding a row lock on
// the review. Two reviewers submitting at the same moment serialize on that
// lock, so neither recompute can observe a half-applied participant set.
func (s *PostgresStore) SubmitParticipantFeedback(ctx context.Context, reviewID, userID, decision, feedback string) (Review, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Review{}, fmt.Errorf("begin submit feedback: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var reviewStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM reviews WHERE id=$1 FOR UPDATE`, reviewID).Scan(&reviewStatus)
	if err != nil {
		return Review{}, err
	}
	if reviewStatus == "completed" || reviewStatus == "cancelled" {
		return Review{}, ErrReviewClosed
	}

	var participantStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM review_participants WHERE review_id=$1 AND user_id=$2 FOR UPDATE
	`, reviewID, userID).Scan(&participantStatus)
	if err != nil {
		return Review{}, err
	}
	if participantStatus == "approved" || participantStatus == "changes_requested" {
		return Review{}, ErrAlreadyResponded
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE review_participants
		SET status=$3, feedback=$4, reviewed_at=NOW()
		WHERE review_id=$1 AND user_id=$2
	`, reviewID, userID, decision, feedback); err != nil {
		return Review{}, fmt.Errorf("update participant: %w", err)
	}

	participants, err := s.listParticipants(ctx, tx, reviewID)
	if err != nil {
		return Review{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE reviews SET status=$2, updated_at=NOW() WHERE id=$1
	`, reviewID, AggregateStatus(participants)); err != nil {
		return Review{}, fmt.Errorf("update review status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Review{}, fmt.Errorf("commit submit feedback: %w", err)
	}
	return s.GetReview(ctx, reviewID)
}

func (s *PostgresStore) CancelReview(ctx context.Context, reviewID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reviews
		SET status='cancelled', updated_at=NOW()
		WHERE id=$1 AND status IN ('pending', 'in_progress')
	`, reviewID)
	if err != nil {
		return false, fmt.Errorf("cancel review: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}
