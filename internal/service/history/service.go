package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"policychat/internal/models"
)

// Service persists conversation history. Turns are append-only: a turn row is
// only ever written for a fully completed exchange, so a crash or aborted
// stream can never leave a half-written entry behind.
type Service struct {
	db *sql.DB
}

// NewService builds a new history service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateConversation inserts a new conversation for the user.
func (s *Service) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if strings.TrimSpace(title) == "" {
		title = "새 대화"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListConversations returns all conversations for a user ordered by last activity.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// GetConversationWithTurns returns one conversation and its turns in
// conversation order.
func (s *Service) GetConversationWithTurns(ctx context.Context, userID string, conversationID int64) (*models.Conversation, []*models.Turn, error) {
	var conversation models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&conversation.ID, &conversation.UserID, &conversation.Title, &conversation.CreatedAt, &conversation.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, turn_index, user_content, assistant_content, profile_snapshot, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY turn_index ASC`,
		conversationID,
	)
	if err != nil {
		return &conversation, nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		t := new(models.Turn)
		var snapshot sql.NullString
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.UserID, &t.TurnIndex,
			&t.UserContent, &t.AssistantContent, &snapshot, &t.CreatedAt); err != nil {
			return &conversation, nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ProfileSnapshot = snapshot.String
		turns = append(turns, t)
	}
	return &conversation, turns, rows.Err()
}

// AppendTurn writes one completed turn atomically: the next dense turn index
// is computed, the row inserted, and the conversation touched inside a single
// transaction.
func (s *Service) AppendTurn(ctx context.Context, conversationID int64, userID, userContent, assistantContent, profileSnapshot string) (*models.Turn, error) {
	if conversationID <= 0 {
		return nil, errors.New("conversation id is required")
	}
	if userContent == "" || assistantContent == "" {
		return nil, errors.New("turn content cannot be empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = ?`, conversationID,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("verify conversation: %w", err)
	}
	if owner != userID {
		err = errors.New("conversation not owned by user")
		return nil, err
	}

	var nextIndex int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_index), -1) + 1 FROM turns WHERE conversation_id = ?`, conversationID,
	).Scan(&nextIndex); err != nil {
		return nil, fmt.Errorf("next turn index: %w", err)
	}

	now := time.Now().UTC()
	var snapshot interface{}
	if profileSnapshot != "" {
		snapshot = profileSnapshot
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, user_id, turn_index, user_content, assistant_content, profile_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, userID, nextIndex, userContent, assistantContent, snapshot, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("turn id: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}

	return &models.Turn{
		ID:               id,
		ConversationID:   conversationID,
		UserID:           userID,
		TurnIndex:        nextIndex,
		UserContent:      userContent,
		AssistantContent: assistantContent,
		ProfileSnapshot:  profileSnapshot,
		CreatedAt:        now,
	}, nil
}

// UpdateConversationTitle sets a conversation title for the specified user.
func (s *Service) UpdateConversationTitle(ctx context.Context, userID string, conversationID int64, title string) error {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`,
		title, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteConversation removes a conversation and its turns for the user.
func (s *Service) DeleteConversation(ctx context.Context, userID string, conversationID int64) error {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}
