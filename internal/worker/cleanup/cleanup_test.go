package cleanup

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yusuke/mediabox/internal/model"
)

// fakeItemStore はクリーンアップ用のアイテムストアスタブ。
type fakeItemStore struct {
	ids   []string
	stale []*model.Item

	mu      sync.Mutex
	patches map[string]model.ItemPatch
}

func (s *fakeItemStore) ListAllIDs(ctx context.Context) ([]string, error) {
	return s.ids, nil
}

func (s *fakeItemStore) ListStaleDownloading(ctx context.Context, before time.Time) ([]*model.Item, error) {
	return s.stale, nil
}

func (s *fakeItemStore) Patch(ctx context.Context, id string, patch model.ItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patches == nil {
		s.patches = make(map[string]model.ItemPatch)
	}
	s.patches[id] = patch
	return nil
}

// fakeMediaStore はWipe呼び出しを記録するメディアストアスタブ。
type fakeMediaStore struct {
	dirs []string

	mu    sync.Mutex
	wiped []string
}

func (s *fakeMediaStore) ListItemDirs() ([]string, error) {
	return s.dirs, nil
}

func (s *fakeMediaStore) Wipe(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wiped = append(s.wiped, itemID)
	return nil
}

// fakeJobChecker は指定したアイテムだけを実行中として報告する。
type fakeJobChecker struct {
	running map[string]bool
}

func (c *fakeJobChecker) IsRunning(itemID string) bool { return c.running[itemID] }

func newTestJob(repo *fakeItemStore, store *fakeMediaStore) *CleanupJob {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCleanupJob(repo, store, &fakeJobChecker{}, logger)
}

func TestRun_RemovesOrphanDirsOnly(t *testing.T) {
	repo := &fakeItemStore{ids: []string{"item-a", "item-b"}}
	store := &fakeMediaStore{dirs: []string{"item-a", "item-b", "orphan-1", "orphan-2"}}
	job := newTestJob(repo, store)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.wiped) != 2 {
		t.Fatalf("wiped dirs = %v, want 2 orphans", store.wiped)
	}
	for _, w := range store.wiped {
		if w == "item-a" || w == "item-b" {
			t.Errorf("known item dir %q was wiped", w)
		}
	}
}

func TestRun_FailsStaleDownloadsAndWipes(t *testing.T) {
	repo := &fakeItemStore{
		ids: []string{"item-stale"},
		stale: []*model.Item{
			{ID: "item-stale", Status: model.ItemStatusDownloading},
		},
	}
	store := &fakeMediaStore{dirs: []string{"item-stale"}}
	job := newTestJob(repo, store)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	repo.mu.Lock()
	patch, ok := repo.patches["item-stale"]
	repo.mu.Unlock()
	if !ok {
		t.Fatal("stale item was not patched")
	}
	if patch.Status == nil || *patch.Status != model.ItemStatusError {
		t.Errorf("patched status = %v, want error", patch.Status)
	}
	if patch.Reason == nil || *patch.Reason == "" {
		t.Error("patched reason missing, want user-facing message")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.wiped) != 1 || store.wiped[0] != "item-stale" {
		t.Errorf("wiped dirs = %v, want [item-stale]", store.wiped)
	}
}

func TestRun_SkipsStaleItemWithLiveJob(t *testing.T) {
	// updated_atが古くても、このプロセスで実行中のジョブは停滞ではない
	repo := &fakeItemStore{
		ids: []string{"item-live", "item-dead"},
		stale: []*model.Item{
			{ID: "item-live", Status: model.ItemStatusDownloading},
			{ID: "item-dead", Status: model.ItemStatusDownloading},
		},
	}
	store := &fakeMediaStore{dirs: []string{"item-live", "item-dead"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	job := NewCleanupJob(repo, store, &fakeJobChecker{running: map[string]bool{"item-live": true}}, logger)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	repo.mu.Lock()
	if _, ok := repo.patches["item-live"]; ok {
		t.Error("live job was marked as stale")
	}
	if _, ok := repo.patches["item-dead"]; !ok {
		t.Error("dead job was not failed")
	}
	repo.mu.Unlock()

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, w := range store.wiped {
		if w == "item-live" {
			t.Error("live job storage was wiped")
		}
	}
}

func TestRun_NothingToDo_Idempotent(t *testing.T) {
	repo := &fakeItemStore{ids: []string{"item-a"}}
	store := &fakeMediaStore{dirs: []string{"item-a"}}
	job := newTestJob(repo, store)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.wiped) != 0 {
		t.Errorf("wiped dirs = %v, want none", store.wiped)
	}
}
