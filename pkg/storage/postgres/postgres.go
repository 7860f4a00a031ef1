// Package postgres provides a PostgreSQL implementation of transport.ChatStore.
// It uses pgx/v5 for connection pooling and JSONB for structured error storage.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/storage"
	"github.com/relais-dev/relais/pkg/transport"
)

// Store is a PostgreSQL-backed ChatStore.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements transport.ChatStore at compile time.
var _ transport.ChatStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// SaveChat persists a finished chat.
func (s *Store) SaveChat(ctx context.Context, chat *api.ChatResponse) error {
	ownerID := storage.OwnerFromContext(ctx)

	var errorJSON []byte
	if chat.Error != nil {
		var err error
		errorJSON, err = json.Marshal(chat.Error)
		if err != nil {
			return fmt.Errorf("marshaling error: %w", err)
		}
	}

	var usageIn, usageOut, usageTotal int
	if chat.Usage != nil {
		usageIn = chat.Usage.InputTokens
		usageOut = chat.Usage.OutputTokens
		usageTotal = chat.Usage.TotalTokens
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (
			id, owner_id, status, model, content,
			usage_input_tokens, usage_output_tokens, usage_total_tokens,
			error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		chat.ID, ownerID, string(chat.Status), chat.Model, chat.Content,
		usageIn, usageOut, usageTotal,
		nullJSON(errorJSON), chat.CreatedAt,
	)

	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting chat: %w", err)
	}

	return nil
}

// GetChat retrieves a chat by ID, scoped by owner when present.
func (s *Store) GetChat(ctx context.Context, id string) (*api.ChatResponse, error) {
	ownerID := storage.OwnerFromContext(ctx)

	query := `
		SELECT id, status, model, content,
		       usage_input_tokens, usage_output_tokens, usage_total_tokens,
		       error, created_at
		FROM chats
		WHERE id = $1
	`
	args := []any{id}

	if ownerID != "" {
		query += " AND owner_id = $2"
		args = append(args, ownerID)
	}

	var chat api.ChatResponse
	var status string
	var errorJSON *[]byte
	var usageIn, usageOut, usageTotal int

	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&chat.ID, &status, &chat.Model, &chat.Content,
		&usageIn, &usageOut, &usageTotal,
		&errorJSON, &chat.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}

	chat.Object = api.ObjectChatCompletion
	chat.Status = api.ChatStatus(status)
	chat.Usage = &api.Usage{
		InputTokens:  usageIn,
		OutputTokens: usageOut,
		TotalTokens:  usageTotal,
	}

	if errorJSON != nil {
		var apiErr api.APIError
		if err := json.Unmarshal(*errorJSON, &apiErr); err == nil {
			chat.Error = &apiErr
		}
	}

	return &chat, nil
}

// DeleteChat removes a stored chat by ID.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	ownerID := storage.OwnerFromContext(ctx)

	query := "DELETE FROM chats WHERE id = $1"
	args := []any{id}

	if ownerID != "" {
		query += " AND owner_id = $2"
		args = append(args, ownerID)
	}

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}

	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ListChats returns a paginated list of stored chats filtered by owner
// and optionally by model, with cursor-based pagination on (created_at, id).
func (s *Store) ListChats(ctx context.Context, opts transport.ListOptions) (*transport.ChatList, error) {
	ownerID := storage.OwnerFromContext(ctx)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	desc := opts.Order != "asc"

	query := `
		SELECT id, status, model, content,
		       usage_input_tokens, usage_output_tokens, usage_total_tokens,
		       error, created_at
		FROM chats
		WHERE 1=1
	`
	var args []any
	argIdx := 1

	if ownerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, ownerID)
		argIdx++
	}
	if opts.Model != "" {
		query += fmt.Sprintf(" AND model = $%d", argIdx)
		args = append(args, opts.Model)
		argIdx++
	}

	// Cursor: everything strictly after the cursor row in sort order.
	if opts.After != "" {
		op := "<"
		if !desc {
			op = ">"
		}
		query += fmt.Sprintf(
			" AND (created_at, id) %s (SELECT created_at, id FROM chats WHERE id = $%d)",
			op, argIdx,
		)
		args = append(args, opts.After)
		argIdx++
	}

	if desc {
		query += " ORDER BY created_at DESC, id DESC"
	} else {
		query += " ORDER BY created_at ASC, id ASC"
	}

	// Fetch one extra row to detect has_more.
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	var chats []*api.ChatResponse
	for rows.Next() {
		var chat api.ChatResponse
		var status string
		var errorJSON *[]byte
		var usageIn, usageOut, usageTotal int

		if err := rows.Scan(
			&chat.ID, &status, &chat.Model, &chat.Content,
			&usageIn, &usageOut, &usageTotal,
			&errorJSON, &chat.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}

		chat.Object = api.ObjectChatCompletion
		chat.Status = api.ChatStatus(status)
		chat.Usage = &api.Usage{
			InputTokens:  usageIn,
			OutputTokens: usageOut,
			TotalTokens:  usageTotal,
		}
		if errorJSON != nil {
			var apiErr api.APIError
			if err := json.Unmarshal(*errorJSON, &apiErr); err == nil {
				chat.Error = &apiErr
			}
		}

		chats = append(chats, &chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat rows: %w", err)
	}

	hasMore := len(chats) > limit
	if hasMore {
		chats = chats[:limit]
	}

	result := &transport.ChatList{
		Object:  "list",
		Data:    chats,
		HasMore: hasMore,
	}
	if len(chats) > 0 {
		result.FirstID = chats[0].ID
		result.LastID = chats[len(chats)-1].ID
	}
	if result.Data == nil {
		result.Data = []*api.ChatResponse{}
	}

	return result, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	return err != nil && contains(err.Error(), "23505")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
