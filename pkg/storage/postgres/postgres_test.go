package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/storage"
	"github.com/relais-dev/relais/pkg/transport"
)

func init() {
	// Configure testcontainers to use podman.
	// Detect the podman socket from `podman machine inspect`.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			sock := strings.TrimSpace(string(out))
			if sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	// Ryuk needs privileged mode with podman.
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

// setupTestDB starts a PostgreSQL container and returns a connected Store.
// Tests are skipped if Docker is not available.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}

	// Verify podman is running.
	if _, err := exec.LookPath("podman"); err != nil {
		t.Skip("podman not found, skipping integration tests")
	}

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("relais_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container (is podman running?): %v", err)
	}

	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	store, err := New(ctx, Config{
		DSN:            connStr,
		MaxConns:       5,
		MinConns:       1,
		MigrateOnStart: true,
	})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func makeTestChat(id string) *api.ChatResponse {
	return &api.ChatResponse{
		ID:        id,
		Object:    api.ObjectChatCompletion,
		Model:     "test-model",
		Content:   "hi there",
		Status:    api.ChatStatusCompleted,
		Usage:     &api.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8},
		CreatedAt: time.Now().Unix(),
	}
}

func TestPostgres_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	chat := makeTestChat("chat_pg_test1_" + fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := store.SaveChat(ctx, chat); err != nil {
		t.Fatalf("SaveChat failed: %v", err)
	}

	got, err := store.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}

	if got.ID != chat.ID {
		t.Errorf("ID = %q, want %q", got.ID, chat.ID)
	}
	if got.Model != "test-model" {
		t.Errorf("Model = %q, want %q", got.Model, "test-model")
	}
	if got.Status != api.ChatStatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, api.ChatStatusCompleted)
	}
	if got.Content != "hi there" {
		t.Errorf("Content = %q, want %q", got.Content, "hi there")
	}
	if got.Usage == nil || got.Usage.InputTokens != 5 {
		t.Errorf("Usage.InputTokens = %v, want 5", got.Usage)
	}
}

func TestPostgres_GetNotFound(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.GetChat(ctx, "chat_nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_Delete(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	chat := makeTestChat("chat_pg_del_" + fmt.Sprintf("%d", time.Now().UnixNano()))
	store.SaveChat(ctx, chat)

	if err := store.DeleteChat(ctx, chat.ID); err != nil {
		t.Fatalf("DeleteChat failed: %v", err)
	}

	_, err := store.GetChat(ctx, chat.ID)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPostgres_DuplicateSave(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	chat := makeTestChat("chat_pg_dup_" + fmt.Sprintf("%d", time.Now().UnixNano()))
	store.SaveChat(ctx, chat)

	err := store.SaveChat(ctx, chat)
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestPostgres_HealthCheck(t *testing.T) {
	store := setupTestDB(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestPostgres_ErrorRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	chat := makeTestChat("chat_pg_err_" + fmt.Sprintf("%d", time.Now().UnixNano()))
	chat.Status = api.ChatStatusErrored
	chat.Error = api.NewUpstreamError(503, "backend unavailable")

	if err := store.SaveChat(ctx, chat); err != nil {
		t.Fatalf("SaveChat failed: %v", err)
	}

	got, err := store.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if got.Error == nil {
		t.Fatal("Error not persisted")
	}
	if got.Error.Type != api.ErrorTypeUpstreamError || got.Error.UpstreamStatus != 503 {
		t.Errorf("Error = %+v", got.Error)
	}
}

func TestPostgres_OwnerIsolation(t *testing.T) {
	store := setupTestDB(t)

	ts := fmt.Sprintf("%d", time.Now().UnixNano())
	ctxA := storage.SetOwner(context.Background(), "owner-a")
	ctxB := storage.SetOwner(context.Background(), "owner-b")

	chat := makeTestChat("chat_owner_" + ts)
	store.SaveChat(ctxA, chat)

	// Owner A can retrieve.
	if _, err := store.GetChat(ctxA, chat.ID); err != nil {
		t.Fatalf("owner A should see own chat: %v", err)
	}

	// Owner B cannot retrieve.
	if _, err := store.GetChat(ctxB, chat.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("owner B should not see owner A's chat")
	}

	// No owner can retrieve (unauthenticated mode).
	if _, err := store.GetChat(context.Background(), chat.ID); err != nil {
		t.Fatalf("no-owner should see all: %v", err)
	}
}

func TestPostgres_ListChats(t *testing.T) {
	store := setupTestDB(t)

	ts := time.Now().UnixNano()
	ctx := storage.SetOwner(context.Background(), fmt.Sprintf("owner-list-%d", ts))

	var ids []string
	for i := 0; i < 5; i++ {
		chat := makeTestChat(fmt.Sprintf("chat_list_%d_%d", ts, i))
		chat.CreatedAt = time.Now().Unix() + int64(i)
		if err := store.SaveChat(ctx, chat); err != nil {
			t.Fatalf("SaveChat %d: %v", i, err)
		}
		ids = append(ids, chat.ID)
	}

	// Default order is newest first.
	l, err := store.ListChats(ctx, transport.ListOptions{})
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(l.Data) != 5 {
		t.Fatalf("len = %d, want 5", len(l.Data))
	}
	if l.Data[0].ID != ids[4] {
		t.Errorf("first = %q, want %q", l.Data[0].ID, ids[4])
	}

	// Pagination.
	l, err = store.ListChats(ctx, transport.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListChats page 1: %v", err)
	}
	if len(l.Data) != 2 || !l.HasMore {
		t.Fatalf("page 1: len=%d hasMore=%v", len(l.Data), l.HasMore)
	}

	l2, err := store.ListChats(ctx, transport.ListOptions{Limit: 2, After: l.LastID})
	if err != nil {
		t.Fatalf("ListChats page 2: %v", err)
	}
	if len(l2.Data) != 2 {
		t.Fatalf("page 2: len=%d", len(l2.Data))
	}
	if l2.Data[0].ID == l.Data[0].ID {
		t.Error("page 2 repeats page 1")
	}
}
