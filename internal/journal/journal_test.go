package journal_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/libralend/internal/database"
	"github.com/jules-labs/libralend/internal/journal"
)

type loanApproved struct {
	LoanID string `json:"loan_id"`
}

func TestMemoryStoreRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := journal.NewMemoryStore()
	id := uuid.New()

	require.NoError(t, store.Append(ctx, id, "loan", 0, []journal.Entry{{EventType: "LoanOpened"}}))
	err := store.Append(ctx, id, "loan", 0, []journal.Entry{{EventType: "LoanOpened"}})

	assert.ErrorIs(t, err, journal.ErrConcurrencyConflict)
	assert.ErrorIs(t, store.Append(ctx, id, "loan", -1, nil), journal.ErrInvalidVersion)
}

func TestRecordConcurrentWritersGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	store := journal.NewMemoryStore()
	j := journal.New(store, zerolog.Nop())
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, j.Record(ctx, id, "loan", "LoanApproved", loanApproved{LoanID: id.String()}))
		}()
	}
	wg.Wait()

	entries, err := j.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Version)
	}

	var payload loanApproved
	require.NoError(t, jsoniter.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, id.String(), payload.LoanID)
}

func TestPostgresStoreAppendAndLoad(t *testing.T) {
	db := database.OpenTestDB(t)
	ctx := context.Background()
	store := journal.NewPostgresStore(db)
	id := uuid.New()

	require.NoError(t, store.Append(ctx, id, "loan", 0, []journal.Entry{
		{EventType: "LoanOpened", Payload: []byte(`{"a":1}`)},
		{EventType: "LoanClosed", Payload: []byte(`{"a":2}`)},
	}))
	assert.ErrorIs(t, store.Append(ctx, id, "loan", 1, []journal.Entry{{EventType: "X", Payload: []byte(`{}`)}}), journal.ErrConcurrencyConflict)

	entries, err := store.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "LoanClosed", entries[1].EventType)

	version, err := store.Version(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func BenchmarkRecord(b *testing.B) {
	ctx := context.Background()
	j := journal.New(journal.NewMemoryStore(), zerolog.Nop())
	id := uuid.New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := j.Record(ctx, id, "loan", "LoanApproved", loanApproved{LoanID: "x"}); err != nil {
			b.Fatal(err)
		}
	}
}
