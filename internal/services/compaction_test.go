package services

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instdocs/internal/crdt"
	"instdocs/internal/models"
	"instdocs/internal/protocol"
	"instdocs/internal/repository"
)

var ref = protocol.BranchRef{Inst: "inst", Branch: "main"}

// appendEdits stores one update per edit, the way clients send them.
func appendEdits(t *testing.T, repo UpdateRepository, n int) *crdt.Doc {
	t.Helper()
	doc := crdt.New()
	stop := doc.OnUpdate(func(ev crdt.UpdateEvent) {
		_, _, err := repo.AppendUpdates(context.Background(), ref,
			[]string{base64.StdEncoding.EncodeToString(ev.Update)}, "conn", 0)
		require.NoError(t, err)
	})
	defer stop()

	list := doc.GetArray("list")
	for i := 0; i < n; i++ {
		require.NoError(t, list.Insert(list.Len(), i))
	}
	return doc
}

func replay(t *testing.T, repo UpdateRepository) *crdt.Doc {
	t.Helper()
	updates, err := repo.GetUpdates(context.Background(), ref.Key())
	require.NoError(t, err)
	doc := crdt.New()
	for _, u := range updates {
		blob, err := base64.StdEncoding.DecodeString(u.Update)
		require.NoError(t, err)
		require.NoError(t, doc.ApplyUpdate(blob, nil))
	}
	return doc
}

func TestProcessCompaction(t *testing.T) {
	repo := repository.NewMemoryRepository()
	source := appendEdits(t, repo, 5)

	svc := NewCompactionService(repo, 3, 1, 4, nil)
	require.NoError(t, svc.processCompaction(context.Background(), CompactionJob{BranchKey: ref.Key()}))

	updates, err := repo.GetUpdates(context.Background(), ref.Key())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(5), updates[0].Seq)

	assert.Equal(t, source.GetArray("list").ToSlice(), replay(t, repo).GetArray("list").ToSlice())
}

func TestProcessCompactionSkipsSmallBranches(t *testing.T) {
	repo := repository.NewMemoryRepository()
	appendEdits(t, repo, 1)

	svc := NewCompactionService(repo, 1, 1, 4, nil)
	require.NoError(t, svc.processCompaction(context.Background(), CompactionJob{BranchKey: ref.Key()}))

	updates, err := repo.GetUpdates(context.Background(), ref.Key())
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestProcessCompactionRejectsCorruptUpdates(t *testing.T) {
	repo := repository.NewMemoryRepository()
	_, _, err := repo.AppendUpdates(context.Background(), ref, []string{"%%", "%%"}, "", 0)
	require.NoError(t, err)

	svc := NewCompactionService(repo, 1, 1, 4, nil)
	assert.Error(t, svc.processCompaction(context.Background(), CompactionJob{BranchKey: ref.Key()}))

	updates, err := repo.GetUpdates(context.Background(), ref.Key())
	require.NoError(t, err)
	assert.Len(t, updates, 2)
}

func TestWorkerPoolCompactsQueuedBranches(t *testing.T) {
	repo := repository.NewMemoryRepository()
	source := appendEdits(t, repo, 10)

	svc := NewCompactionService(repo, 5, 2, 4, nil)
	svc.Start()
	defer svc.Shutdown()

	branch, err := repo.GetBranch(context.Background(), ref.Key())
	require.NoError(t, err)
	svc.MaybeCompact(branch)

	require.Eventually(t, func() bool {
		updates, err := repo.GetUpdates(context.Background(), ref.Key())
		return err == nil && len(updates) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, source.GetArray("list").ToSlice(), replay(t, repo).GetArray("list").ToSlice())
}

func TestMaybeCompactBelowThreshold(t *testing.T) {
	svc := NewCompactionService(repository.NewMemoryRepository(), 5, 1, 1, nil)
	svc.MaybeCompact(&models.Branch{Key: "k", UpdateCount: 4})
	assert.Equal(t, 0, svc.GetQueueLength())

	svc.MaybeCompact(&models.Branch{Key: "k", UpdateCount: 5})
	assert.Equal(t, 1, svc.GetQueueLength())

	// Already queued.
	require.NoError(t, svc.SubmitJob(CompactionJob{BranchKey: "k"}))
	assert.Equal(t, 1, svc.GetQueueLength())
	assert.ErrorIs(t, svc.SubmitJob(CompactionJob{BranchKey: "other"}), ErrQueueFull)

	svc.Shutdown()
	assert.ErrorIs(t, svc.SubmitJob(CompactionJob{BranchKey: "late"}), ErrShuttingDown)
}

func TestUpdatePayload(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	blobs, timestamps := UpdatePayload([]*models.BranchUpdate{
		{Update: "a", CreatedAt: at},
		{Update: "b", CreatedAt: at.Add(time.Second)},
	})
	assert.Equal(t, []string{"a", "b"}, blobs)
	assert.Equal(t, []int64{1700000000000, 1700000001000}, timestamps)
}
