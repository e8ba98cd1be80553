package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamvault/internal/domain"
)

var t0 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, j domain.Journal) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		stream := "camA"
		if i%2 == 1 {
			stream = "camB"
		}
		require.NoError(t, j.Record(ctx, domain.Event{
			StreamID: stream,
			Kind:     domain.EventStarted,
			Detail:   fmt.Sprintf("event-%d", i),
			At:       t0.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func assertJournalBehaviour(t *testing.T, j domain.Journal) {
	t.Helper()
	seed(t, j)
	ctx := context.Background()

	all, err := j.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "event-4", all[0].Detail)

	camA, err := j.List(ctx, "camA", 0)
	require.NoError(t, err)
	require.Len(t, camA, 3)
	assert.Equal(t, []string{"event-4", "event-2", "event-0"}, []string{camA[0].Detail, camA[1].Detail, camA[2].Detail})

	limited, err := j.List(ctx, "camB", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "event-3", limited[0].Detail)

	none, err := j.List(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory(t *testing.T) {
	assertJournalBehaviour(t, NewMemory(0))
}

func TestMemory_DropsOldest(t *testing.T) {
	j := NewMemory(3)
	seed(t, j)

	all, err := j.List(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "event-4", all[0].Detail)
	assert.Equal(t, "event-2", all[2].Detail)
}

func TestMongo(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	j, err := NewMongo(ctx, client.Database("test_streamvault_journal"))
	require.NoError(t, err)

	assertJournalBehaviour(t, j)

	code := 1
	require.NoError(t, j.Record(ctx, domain.Event{StreamID: "camC", Kind: domain.EventExited, ExitCode: &code, At: t0}))
	got, err := j.List(ctx, "camC", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].ExitCode)
	assert.Equal(t, 1, *got[0].ExitCode)
	assert.True(t, got[0].At.Equal(t0))
}
