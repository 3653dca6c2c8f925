package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onebox-labs/onebox/internal/models"
)

// NewDB opens a Postgres connection pool for the index.
func NewDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Retry connecting — postgres may still be starting in Docker
	var pingErr error
	for attempt := 1; attempt <= 5; attempt++ {
		pingErr = db.Ping()
		if pingErr == nil {
			break
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", pingErr)
		time.Sleep(2 * time.Second)
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after 5 attempts: %w", pingErr)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	return db, nil
}

// PostgresIndex implements Index on a Postgres messages table.
type PostgresIndex struct {
	db *sql.DB
}

func NewPostgresIndex(db *sql.DB) *PostgresIndex {
	return &PostgresIndex{db: db}
}

func (s *PostgresIndex) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, classify(err)
	}
	return exists, nil
}

func (s *PostgresIndex) Insert(ctx context.Context, msg *models.StoredMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, email, folder, uid, subject, from_addr, to_addrs,
		                       date, body, is_read, is_starred, category, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		msg.ID, msg.UserID, msg.Email, msg.Folder, int64(msg.UID), msg.Subject, msg.From,
		pq.Array(msg.To), msg.Date, msg.Body, msg.IsRead, msg.IsStarred, string(msg.Category),
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *PostgresIndex) Update(ctx context.Context, id string, patch Patch) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if patch.IsRead != nil {
		args = append(args, *patch.IsRead)
		sets = append(sets, fmt.Sprintf("is_read = $%d", len(args)))
	}
	if patch.IsStarred != nil {
		args = append(args, *patch.IsStarred)
		sets = append(sets, fmt.Sprintf("is_starred = $%d", len(args)))
	}
	if patch.Category != nil {
		args = append(args, string(*patch.Category))
		sets = append(sets, fmt.Sprintf("category = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE messages SET %s WHERE id = $%d`,
		strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresIndex) Get(ctx context.Context, userID, id string) (*models.StoredMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, folder, uid, subject, from_addr, to_addrs,
		        date, body, is_read, is_starred, category, created_at, updated_at
		 FROM messages WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return msg, nil
}

func (s *PostgresIndex) Search(ctx context.Context, userID, query string) ([]models.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, email, folder, uid, subject, from_addr, to_addrs,
		        date, body, is_read, is_starred, category, created_at, updated_at
		 FROM messages
		 WHERE user_id = $1
		   AND ($2 = '' OR subject ILIKE '%' || $2 || '%'
		                OR from_addr ILIKE '%' || $2 || '%'
		                OR body ILIKE '%' || $2 || '%')
		 ORDER BY date DESC
		 LIMIT 200`,
		userID, query,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var messages []models.StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.StoredMessage, error) {
	var (
		msg      models.StoredMessage
		uid      int64
		to       pq.StringArray
		category string
	)
	err := row.Scan(&msg.ID, &msg.UserID, &msg.Email, &msg.Folder, &uid, &msg.Subject,
		&msg.From, &to, &msg.Date, &msg.Body, &msg.IsRead, &msg.IsStarred, &category,
		&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	msg.UID = uint64(uid)
	msg.To = []string(to)
	msg.Category = models.Category(category)
	return &msg, nil
}

// classify maps driver errors onto the index error kinds: unique violations
// become ErrConflict, connection-level failures become ErrTransient.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return ErrConflict
		case strings.HasPrefix(string(pqErr.Code), "08"), // connection exception
			strings.HasPrefix(string(pqErr.Code), "53"), // insufficient resources
			strings.HasPrefix(string(pqErr.Code), "57"): // operator intervention
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
