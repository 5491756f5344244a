package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/chabapp/internal/database"
	"github.com/dukerupert/chabapp/internal/model"
)

func TestTimerStoreLifecycle(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ts := NewTimerStore(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 6, 18, 0, 0, 0, time.UTC)
	early := model.ScheduledNotification{
		ID: "a", Tag: "studies-daily", FireAt: now.Add(time.Hour),
		Request: model.ScheduleRequest{Title: "Studies", Delay: 3600000, Type: model.NotifTypeStudies},
	}
	late := model.ScheduledNotification{
		ID: "b", Tag: "shabbat-reminder", FireAt: now.Add(2 * time.Hour),
		Request: model.ScheduleRequest{Title: "Shabbat", Type: model.NotifTypeShabbat},
	}
	if err := ts.Save(ctx, late); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := ts.Save(ctx, early); err != nil {
		t.Fatalf("save: %v", err)
	}

	pending, err := ts.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "a" {
		t.Fatalf("pending = %+v, want a before b", pending)
	}
	if pending[0].Request.Title != "Studies" || !pending[0].FireAt.Equal(early.FireAt) {
		t.Errorf("pending[0] = %+v", pending[0])
	}

	n, err := ts.DeleteBefore(ctx, now.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	if err := ts.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pending, _ = ts.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestTimerStoreDeleteTag(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ts := NewTimerStore(db)
	ctx := context.Background()

	fireAt := time.Date(2026, 3, 6, 18, 0, 0, 0, time.UTC)
	for _, n := range []model.ScheduledNotification{
		{ID: "a", Tag: "daily-studies", FireAt: fireAt},
		{ID: "b", Tag: "daily-studies", FireAt: fireAt.Add(time.Hour)},
		{ID: "c", Tag: "daily-goals", FireAt: fireAt},
	} {
		if err := ts.Save(ctx, n); err != nil {
			t.Fatalf("save %s: %v", n.ID, err)
		}
	}

	if err := ts.DeleteTag(ctx, "daily-studies"); err != nil {
		t.Fatalf("delete tag: %v", err)
	}
	pending, err := ts.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c" {
		t.Errorf("pending = %+v, want only c", pending)
	}
}
