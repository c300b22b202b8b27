package aggregator_test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aneshas/aggregator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var integration = flag.Bool("integration", false, "perform integration tests against POSTGRES_DSN")

func TestShould_Accept_First_Claim_And_Reject_Duplicate(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	claim := aggregator.Claim{
		Topic:   "t1",
		EventID: "e1",
		Payload: json.RawMessage(`{"message":"hello"}`),
		Source:  "test",
	}

	rec, err := store.TryClaim(ctx, claim)

	require.NoError(t, err)
	assert.Equal(t, "t1", rec.Topic)
	assert.Equal(t, "e1", rec.EventID)
	assert.Equal(t, "test", rec.Source)
	assert.JSONEq(t, `{"message":"hello"}`, string(rec.Payload))
	assert.NotEmpty(t, rec.ID)
	assert.NotZero(t, rec.Sequence)
	assert.False(t, rec.ReceivedAt.IsZero())
	assert.Nil(t, rec.OccurredAt)

	_, err = store.TryClaim(ctx, claim)

	assert.ErrorIs(t, err, aggregator.ErrAlreadyExists)
	assert.NotErrorIs(t, err, aggregator.ErrStoreUnavailable)
}

func TestShould_Scope_Event_IDs_To_Topic(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	_, err := store.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: "e1"})
	require.NoError(t, err)

	_, err = store.TryClaim(ctx, aggregator.Claim{Topic: "t2", EventID: "e1"})
	assert.NoError(t, err)
}

func TestShould_Validate_Claim(t *testing.T) {
	store := memStore(t)

	cases := []aggregator.Claim{
		{Topic: "", EventID: "e1"},
		{Topic: "t1", EventID: ""},
		{},
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			_, err := store.TryClaim(context.Background(), tc)

			assert.ErrorIs(t, err, aggregator.ErrInvalidEvent)
		})
	}

	counts, err := store.TopicCounts(context.Background())

	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestShould_Store_Producer_Timestamp(t *testing.T) {
	store := memStore(t)
	occurredAt := time.Date(2024, 10, 12, 20, 7, 22, 0, time.UTC)

	_, err := store.TryClaim(context.Background(), aggregator.Claim{
		Topic:      "t1",
		EventID:    "e1",
		OccurredAt: occurredAt,
	})
	require.NoError(t, err)

	recs, err := store.ListByTopic(context.Background(), "t1")

	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].OccurredAt)
	assert.True(t, occurredAt.Equal(*recs[0].OccurredAt))
	assert.JSONEq(t, `{}`, string(recs[0].Payload))
}

func TestShould_Accept_Exactly_One_Of_Concurrent_Claims(t *testing.T) {
	store := fileStore(t, filepath.Join(t.TempDir(), "concurrent.db"))

	const n = 50

	var (
		wg         sync.WaitGroup
		accepted   atomic.Int32
		duplicates atomic.Int32
		failures   atomic.Int32
	)

	wg.Add(n)

	for range n {
		go func() {
			defer wg.Done()

			_, err := store.TryClaim(context.Background(), aggregator.Claim{Topic: "t1", EventID: "same"})

			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, aggregator.ErrAlreadyExists):
				duplicates.Add(1)
			default:
				failures.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(n-1), duplicates.Load())
	assert.Zero(t, failures.Load())
}

func TestShould_Survive_Restart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	store, err := aggregator.New(aggregator.WithSQLiteDB(path))
	require.NoError(t, err)

	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := store.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: id, Payload: json.RawMessage(`{"n":1}`)})
		require.NoError(t, err)
	}

	require.NoError(t, store.Close())

	reopened := fileStore(t, path)

	recs, err := reopened.ListByTopic(ctx, "t1")

	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, eventIDs(recs))

	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := reopened.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: id})

		assert.ErrorIs(t, err, aggregator.ErrAlreadyExists)
	}

	_, err = reopened.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: "e4"})

	assert.NoError(t, err)
}

func TestShould_List_Records_In_Acceptance_Order(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	ids := []string{"c", "a", "b", "e", "d"}

	for _, id := range ids {
		_, err := store.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: id})
		require.NoError(t, err)

		_, err = store.TryClaim(ctx, aggregator.Claim{Topic: "other", EventID: id})
		require.NoError(t, err)
	}

	recs, err := store.ListByTopic(ctx, "t1", aggregator.WithBatchSize(2))

	require.NoError(t, err)
	assert.Equal(t, ids, eventIDs(recs))

	for i := 1; i < len(recs); i++ {
		assert.Greater(t, recs[i].Sequence, recs[i-1].Sequence)
		assert.False(t, recs[i].ReceivedAt.Before(recs[i-1].ReceivedAt))
	}
}

func TestShould_Return_Empty_List_For_Unknown_Topic(t *testing.T) {
	store := memStore(t)

	recs, err := store.ListByTopic(context.Background(), "nope")

	assert.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestShould_List_From_Offset(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	var second aggregator.Record

	for i, id := range []string{"e1", "e2", "e3"} {
		rec, err := store.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: id})
		require.NoError(t, err)

		if i == 1 {
			second = rec
		}
	}

	recs, err := store.ListByTopic(ctx, "t1", aggregator.WithOffset(second.Sequence))

	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, eventIDs(recs))
}

func TestShould_Stream_Topic_In_Batches(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	const total = 25

	for i := range total {
		_, err := store.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: fmt.Sprintf("e%02d", i)})
		require.NoError(t, err)
	}

	sub, err := store.SubscribeTopic(ctx, "t1", aggregator.WithBatchSize(4))
	require.NoError(t, err)

	defer sub.Close()

	got := readSub(t, sub)

	require.Len(t, got, total)
	assert.Equal(t, "e00", got[0].EventID)
	assert.Equal(t, "e24", got[total-1].EventID)
}

func TestShould_Stop_Subscription_On_Close(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	for i := range 10 {
		_, err := store.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: fmt.Sprintf("e%d", i)})
		require.NoError(t, err)
	}

	sub, err := store.SubscribeTopic(ctx, "t1", aggregator.WithBatchSize(1))
	require.NoError(t, err)

	<-sub.Records

	sub.Close()

	timeout := time.After(2 * time.Second)

	for {
		select {
		case <-timeout:
			t.Fatal("subscription should have been closed")
		case <-sub.Records:
		case err := <-sub.Err:
			assert.ErrorIs(t, err, aggregator.ErrSubscriptionClosedByClient)

			return
		}
	}
}

func TestSubscribeTopicValidation(t *testing.T) {
	store := memStore(t)

	_, err := store.SubscribeTopic(context.Background(), "")
	assert.Error(t, err)

	_, err = store.SubscribeTopic(context.Background(), "t1", aggregator.WithBatchSize(0))
	assert.Error(t, err)

	_, err = store.ListByTopic(context.Background(), "t1", aggregator.WithBatchSize(-1))
	assert.Error(t, err)
}

func TestShould_Count_Records_Per_Topic(t *testing.T) {
	store := memStore(t)
	ctx := context.Background()

	claims := []aggregator.Claim{
		{Topic: "t1", EventID: "e1"},
		{Topic: "t1", EventID: "e1"},
		{Topic: "t1", EventID: "e2"},
		{Topic: "t2", EventID: "e1"},
	}

	for _, c := range claims {
		_, _ = store.TryClaim(ctx, c)
	}

	counts, err := store.TopicCounts(ctx)

	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"t1": 2, "t2": 1}, counts)
}

func TestShould_Report_Unavailable_On_Cancelled_Context(t *testing.T) {
	store := memStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.TryClaim(ctx, aggregator.Claim{Topic: "t1", EventID: "e1"})

	assert.ErrorIs(t, err, aggregator.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	recs, err := store.ListByTopic(context.Background(), "t1")

	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestShould_Report_Unavailable_On_Closed_Store(t *testing.T) {
	store, err := aggregator.New(aggregator.WithSQLiteDB(filepath.Join(t.TempDir(), "closed.db")))
	require.NoError(t, err)

	require.NoError(t, store.Close())

	_, err = store.TryClaim(context.Background(), aggregator.Claim{Topic: "t1", EventID: "e1"})
	assert.ErrorIs(t, err, aggregator.ErrStoreUnavailable)

	_, err = store.ListByTopic(context.Background(), "t1")
	assert.ErrorIs(t, err, aggregator.ErrStoreUnavailable)

	_, err = store.TopicCounts(context.Background())
	assert.ErrorIs(t, err, aggregator.ErrStoreUnavailable)
}

func TestNewBackendMustBeProvided(t *testing.T) {
	_, err := aggregator.New()

	assert.Error(t, err)
}

func TestPostgresDuplicateClaim(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	store, err := aggregator.New(aggregator.WithPostgresDB(dsn))
	require.NoError(t, err)

	defer store.Close()

	ctx := context.Background()
	topic := fmt.Sprintf("it-%d", time.Now().UnixNano())

	_, err = store.TryClaim(ctx, aggregator.Claim{Topic: topic, EventID: "e1"})
	require.NoError(t, err)

	_, err = store.TryClaim(ctx, aggregator.Claim{Topic: topic, EventID: "e1"})
	assert.ErrorIs(t, err, aggregator.ErrAlreadyExists)

	recs, err := store.ListByTopic(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, eventIDs(recs))
}

func readSub(t *testing.T, sub aggregator.Subscription) []aggregator.Record {
	t.Helper()

	var got []aggregator.Record

	timeout := time.After(5 * time.Second)

	for {
		select {
		case <-timeout:
			t.Fatal("subscription did not finish")
		case rec := <-sub.Records:
			got = append(got, rec)
		case err := <-sub.Err:
			require.ErrorIs(t, err, io.EOF)

			for len(sub.Records) > 0 {
				got = append(got, <-sub.Records)
			}

			return got
		}
	}
}

func eventIDs(recs []aggregator.Record) []string {
	ids := make([]string, len(recs))

	for i, r := range recs {
		ids[i] = r.EventID
	}

	return ids
}

func memStore(t *testing.T) *aggregator.Store {
	t.Helper()

	return fileStore(t, fmt.Sprintf("file:%s?mode=memory&cache=shared", filepath.Base(t.Name())))
}

func fileStore(t *testing.T, path string) *aggregator.Store {
	t.Helper()

	store, err := aggregator.New(aggregator.WithSQLiteDB(path))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})

	return store
}
