package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharebox/pkg/domain"
)

func newTestDB(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pastes.sqlite")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testPaste(content string, isText bool) *domain.Paste {
	return &domain.Paste{
		Name:      "1700000000.5.txt",
		CreatedAt: 1700000000.5,
		Content:   []byte(content),
		Size:      int64(len(content)),
		IsText:    isText,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s, _ := newTestDB(t)
	ctx := context.Background()

	payload := []byte{0x00, 0xff, 0xfe, 'a', '\n'}
	id, err := s.Insert(ctx, &domain.Paste{
		Name:      "1700000000.25",
		CreatedAt: 1700000000.25,
		Content:   payload,
		Size:      int64(len(payload)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, payload, got.Content)
	assert.Equal(t, int64(len(payload)), got.Size)
	assert.False(t, got.IsText)
	assert.Equal(t, "1700000000.25", got.Name)
	assert.InDelta(t, 1700000000.25, got.CreatedAt, 0.0001)
}

func TestInsertEmptyPayload(t *testing.T) {
	s, _ := newTestDB(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &domain.Paste{Name: "1.txt", CreatedAt: 1, IsText: true})
	require.NoError(t, err)
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Content, 0)
	assert.Equal(t, int64(0), got.Size)
	assert.True(t, got.IsText)
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestDB(t)
	_, err := s.Get(context.Background(), 42)
	assert.True(t, errors.Is(err, domain.ErrPasteNotFound))
}

func TestIDsStrictlyIncreasing(t *testing.T) {
	s, _ := newTestDB(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 20; i++ {
		id, err := s.Insert(ctx, testPaste("x", true))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestConcurrentInsertsGetUniqueIDs(t *testing.T) {
	s, _ := newTestDB(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	ids := make(chan int64, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := s.Insert(ctx, testPaste("concurrent", true))
				if assert.NoError(t, err) {
					ids <- id
				}
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestListNewestFirst(t *testing.T) {
	s, _ := newTestDB(t)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		_, err := s.Insert(ctx, testPaste(c, true))
		require.NoError(t, err)
	}
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "three", string(list[0].Content))
	assert.Equal(t, "one", string(list[2].Content))
	assert.Greater(t, list[0].ID, list[1].ID)
}

func TestSchemaCreationIsIdempotent(t *testing.T) {
	s, path := newTestDB(t)
	id, err := s.Insert(context.Background(), testPaste("kept", true))
	require.NoError(t, err)
	gen := s.Generation()
	require.NotEmpty(t, gen)
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, gen, reopened.Generation())
	got, err := reopened.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got.Content))

	next, err := reopened.Insert(context.Background(), testPaste("next", true))
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestPurge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pastes.sqlite")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	_, err = s.Insert(context.Background(), testPaste("gone", true))
	require.NoError(t, err)
	oldGen := s.Generation()
	require.NoError(t, s.Close())

	require.NoError(t, Purge(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, Purge(path))

	fresh, err := NewSQLite(path)
	require.NoError(t, err)
	defer fresh.Close()
	assert.NotEqual(t, oldGen, fresh.Generation())
	list, err := fresh.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInsertFailsWhenClosed(t *testing.T) {
	s, _ := newTestDB(t)
	require.NoError(t, s.Close())

	id, err := s.Insert(context.Background(), testPaste("late", true))
	assert.Equal(t, int64(0), id)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	s, _ := newTestDB(t)
	for i := 0; i < maxFailures; i++ {
		s.recordError(errors.New("disk I/O error"))
	}
	assert.ErrorIs(t, s.checkCircuit(), ErrCircuitOpen)
	_, err := s.Insert(context.Background(), testPaste("x", true))
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))

	s.circuitOpened = time.Now().Add(-time.Minute).Unix()
	assert.NoError(t, s.checkCircuit())
	s.recordError(nil)
	assert.Equal(t, int32(circuitClosed), s.circuitState)
}

func TestWALCheckpoint(t *testing.T) {
	s, _ := newTestDB(t)
	_, err := s.Insert(context.Background(), testPaste("wal", true))
	require.NoError(t, err)
	assert.NoError(t, performWALCheckpoint(s.DB()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartWALMaintenance(ctx, s.DB(), time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WAL maintenance did not stop")
	}
}

func TestPing(t *testing.T) {
	s, _ := newTestDB(t)
	assert.NoError(t, s.Ping(context.Background()))
}
