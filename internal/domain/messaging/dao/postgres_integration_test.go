//go:build integration

package dao

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-inbox/internal/database"
	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// Run with: POSTGRES_TEST_DSN=postgres://... go test -tags integration ./internal/domain/messaging/dao/
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.EnsureSchema(ctx, pool))
	return pool
}

// freshPair returns participants no earlier run has used
func freshPair() (entity.Participant, entity.Participant) {
	suffix := uuid.NewString()
	return entity.Individual("u-" + suffix), entity.Tenant("company", "c-"+suffix)
}

func pgNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func TestConversationPostgres_DuplicateCreate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := NewConversationPostgres(setupPostgres(t))
	a, b := freshPair()

	first := newTestConversation(t, a, b, pgNow())
	req.NoError(repo.Create(ctx, first))

	second := newTestConversation(t, b, a, pgNow())
	req.ErrorIs(repo.Create(ctx, second), entity.ErrDuplicateConversation)

	got, err := repo.GetByCompositeKey(ctx, entity.CompositeKey(a, b))
	req.NoError(err)
	req.Equal(first.ID, got.ID)
	req.Len(got.Unread, 2)

	missing, err := repo.GetByID(ctx, uuid.NewString())
	req.NoError(err)
	req.Nil(missing)
}

func TestConversationPostgres_ConcurrentRecordMessage(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := NewConversationPostgres(setupPostgres(t))
	a, b := freshPair()

	conv := newTestConversation(t, a, b, pgNow())
	req.NoError(repo.Create(ctx, conv))

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.RecordMessage(ctx, conv.ID, a.Key(), "hi", pgNow())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	got, err := repo.GetByID(ctx, conv.ID)
	req.NoError(err)
	req.Equal(n, got.UnreadFor(b.Key()).Count)
	req.Equal(0, got.UnreadFor(a.Key()).Count)

	req.NoError(repo.MarkRead(ctx, conv.ID, b.Key(), pgNow()))
	got, err = repo.GetByID(ctx, conv.ID)
	req.NoError(err)
	req.Equal(0, got.UnreadFor(b.Key()).Count)
	req.NotNil(got.UnreadFor(b.Key()).ReadAt)

	req.ErrorIs(repo.MarkRead(ctx, conv.ID, entity.Individual("stranger").Key(), pgNow()), entity.ErrForbidden)
}

func TestConversationPostgres_SetUnreadAdvancesLastMessage(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := NewConversationPostgres(setupPostgres(t))
	a, b := freshPair()

	start := pgNow().Add(-time.Hour)
	conv := newTestConversation(t, a, b, start)
	req.NoError(repo.Create(ctx, conv))

	later := start.Add(time.Minute)
	err := repo.SetUnread(ctx, conv.ID, start.Add(time.Second), entity.LastMessage{At: later, Preview: "x"}, map[string]int{b.Key(): 1}, pgNow())
	req.ErrorIs(err, entity.ErrConflict)

	req.NoError(repo.SetUnread(ctx, conv.ID, start, entity.LastMessage{At: later, Preview: "kept"}, map[string]int{b.Key(): 1}, pgNow()))
	got, err := repo.GetByID(ctx, conv.ID)
	req.NoError(err)
	req.Equal(1, got.UnreadFor(b.Key()).Count)
	req.True(got.LastMessageAt.Equal(later))
	req.Equal("kept", got.LastMessagePreview)
	req.NotNil(got.ReconciledAt)
}

func TestMessagePostgres_ListAndStatus(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	pool := setupPostgres(t)
	convs := NewConversationPostgres(pool)
	msgs := NewMessagePostgres(pool)
	a, b := freshPair()

	start := pgNow().Add(-time.Hour)
	conv := newTestConversation(t, a, b, start)
	req.NoError(convs.Create(ctx, conv))

	var ids []string
	for i := 0; i < 4; i++ {
		msg := &entity.Message{
			ConversationID: conv.ID,
			Sender:         a,
			Text:           "m",
			Type:           entity.MessageTypeText,
			CreatedAt:      start.Add(time.Duration(i+1) * time.Second),
		}
		req.NoError(msgs.Create(ctx, msg))
		ids = append(ids, msg.ID)
	}

	first, err := msgs.ListByConversation(ctx, conv.ID, pgNow(), 2, 0)
	req.NoError(err)
	second, err := msgs.ListByConversation(ctx, conv.ID, pgNow(), 2, 2)
	req.NoError(err)
	req.Equal([]string{ids[3], ids[2], ids[1], ids[0]}, []string{first[0].ID, first[1].ID, second[0].ID, second[1].ID})

	n, err := msgs.CountFrom(ctx, conv.ID, a.Key(), &first[1].CreatedAt)
	req.NoError(err)
	req.Equal(1, n)
	n, err = msgs.CountFrom(ctx, conv.ID, "", nil)
	req.NoError(err)
	req.Equal(4, n)

	request := &entity.Message{
		ConversationID: conv.ID,
		Sender:         a,
		Type:           entity.MessageTypeOrderRequest,
		Payload:        &entity.StructuredPayload{Status: entity.RequestPending, Data: map[string]any{"qty": 2}},
		CreatedAt:      pgNow(),
	}
	req.NoError(msgs.Create(ctx, request))

	req.NoError(msgs.UpdatePayloadStatus(ctx, request.ID, entity.RequestPending, entity.RequestAccepted, pgNow()))
	req.ErrorIs(msgs.UpdatePayloadStatus(ctx, request.ID, entity.RequestPending, entity.RequestDeclined, pgNow()), entity.ErrInvalidStatusTransition)
	req.ErrorIs(msgs.UpdatePayloadStatus(ctx, uuid.NewString(), entity.RequestPending, entity.RequestDeclined, pgNow()), entity.ErrMessageNotFound)

	got, err := msgs.GetByID(ctx, request.ID)
	req.NoError(err)
	req.Equal(entity.RequestAccepted, got.Payload.Status)
}
