package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	owner           TEXT NOT NULL,
	title           TEXT NOT NULL,
	turn_gap        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	last_message_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	parts           TEXT NOT NULL DEFAULT '[]',
	correlation_id  TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation_created
	ON turns(conversation_id, created_at);
`

// Store is the SQLite-backed Gateway.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (and migrates) a SQLite database at the given path. Use
// ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database at %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type conversationRow struct {
	ID            string    `db:"id"`
	Owner         string    `db:"owner"`
	Title         string    `db:"title"`
	TurnGap       bool      `db:"turn_gap"`
	CreatedAt     time.Time `db:"created_at"`
	LastMessageAt time.Time `db:"last_message_at"`
}

func (r conversationRow) toConversation() *chat.Conversation {
	return &chat.Conversation{
		ID:                   chat.ConversationID(r.ID),
		OwnerID:              r.Owner,
		Title:                r.Title,
		MissingAssistantTurn: r.TurnGap,
		CreatedAt:            r.CreatedAt,
		LastMessageAt:        r.LastMessageAt,
	}
}

type turnRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Role           string    `db:"role"`
	Content        string    `db:"content"`
	Parts          string    `db:"parts"`
	CorrelationID  string    `db:"correlation_id"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r turnRow) toTurn() (*chat.Turn, error) {
	parts, err := chat.UnmarshalParts([]byte(r.Parts))
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt parts column on turn %s", r.ID)
	}
	return &chat.Turn{
		ID:             chat.TurnID(r.ID),
		ConversationID: chat.ConversationID(r.ConversationID),
		Role:           chat.Role(r.Role),
		Content:        r.Content,
		Parts:          parts,
		CorrelationID:  r.CorrelationID,
		CreatedAt:      r.CreatedAt,
	}, nil
}

// authorized loads the conversation row and checks ownership.
func (s *Store) authorized(ctx context.Context, cred store.Credential, id chat.ConversationID) (*conversationRow, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM conversations WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load conversation")
	}
	if row.Owner != cred.Subject {
		return nil, store.ErrUnauthorized
	}
	return &row, nil
}

func (s *Store) CreateConversation(ctx context.Context, cred store.Credential, title string) (chat.ConversationID, error) {
	id := uuid.NewString()
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner, title, turn_gap, created_at, last_message_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		id, cred.Subject, title, now, now)
	if err != nil {
		return "", errors.Wrap(err, "failed to create conversation")
	}
	log.Debug().Str("conversation_id", id).Str("owner", cred.Subject).Msg("created conversation")
	return chat.ConversationID(id), nil
}

func (s *Store) GetConversation(ctx context.Context, cred store.Credential, id chat.ConversationID) (*chat.Conversation, error) {
	row, err := s.authorized(ctx, cred, id)
	if err != nil {
		return nil, err
	}
	return row.toConversation(), nil
}

func (s *Store) ListConversations(ctx context.Context, cred store.Credential) ([]*chat.Conversation, error) {
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM conversations WHERE owner = ? ORDER BY last_message_at DESC`,
		cred.Subject)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	result := make([]*chat.Conversation, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toConversation())
	}
	return result, nil
}

func (s *Store) DeleteConversation(ctx context.Context, cred store.Credential, id chat.ConversationID) error {
	if _, err := s.authorized(ctx, cred, id); err != nil {
		return err
	}
	// turns cascade via the foreign key
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, string(id))
	return errors.Wrap(err, "failed to delete conversation")
}

func (s *Store) AppendTurn(ctx context.Context, cred store.Credential, rec store.AppendTurn) (chat.TurnID, error) {
	if _, err := s.authorized(ctx, cred, rec.ConversationID); err != nil {
		return "", err
	}

	parts, err := chat.MarshalParts(rec.Parts)
	if err != nil {
		return "", err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	id := uuid.NewString()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, role, content, parts, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(rec.ConversationID), string(rec.Role), rec.Content, string(parts), rec.CorrelationID, createdAt)
	if err != nil {
		return "", errors.Wrap(err, "failed to append turn")
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
		createdAt, string(rec.ConversationID))
	if err != nil {
		return "", errors.Wrap(err, "failed to touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "failed to commit turn")
	}
	return chat.TurnID(id), nil
}

func (s *Store) ListTurns(ctx context.Context, cred store.Credential, id chat.ConversationID) ([]*chat.Turn, error) {
	if _, err := s.authorized(ctx, cred, id); err != nil {
		return nil, err
	}
	var rows []turnRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM turns WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		string(id))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list turns")
	}
	result := make([]*chat.Turn, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTurn()
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *Store) CountTurns(ctx context.Context, cred store.Credential, id chat.ConversationID) (int, error) {
	if _, err := s.authorized(ctx, cred, id); err != nil {
		return 0, err
	}
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, string(id))
	if err != nil {
		return 0, errors.Wrap(err, "failed to count turns")
	}
	return count, nil
}

func (s *Store) UpdateTitle(ctx context.Context, cred store.Credential, id chat.ConversationID, title string) error {
	if _, err := s.authorized(ctx, cred, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, string(id))
	return errors.Wrap(err, "failed to update title")
}

func (s *Store) MarkTurnGap(ctx context.Context, cred store.Credential, id chat.ConversationID) error {
	if _, err := s.authorized(ctx, cred, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET turn_gap = 1 WHERE id = ?`, string(id))
	return errors.Wrap(err, "failed to mark turn gap")
}

var _ store.Gateway = (*Store)(nil)
