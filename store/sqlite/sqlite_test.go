package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	clubchat "github.com/aadya75/clubchat"
)

func openTestStore(t *testing.T) (*ThreadStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threads.db")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestThreadStoreAppendOrdering(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if _, err := s.Append(ctx, id, clubchat.RoleUser, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.Messages(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 6 {
		t.Fatalf("messages = %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("m%d", i) {
			t.Errorf("position %d = %q", i, m.Content)
		}
	}
}

func TestThreadStoreConcurrentAppends(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateThread(ctx)

	const writers = 4
	const perWriter = 10
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, id, clubchat.RoleUser, "x", nil); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	msgs, _ := s.Messages(ctx, id)
	if len(msgs) != writers*perWriter {
		t.Fatalf("messages = %d", len(msgs))
	}
}

func TestThreadStoreDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := s.CreateThread(ctx)
	s.Append(ctx, id, clubchat.RoleUser, "before restart", map[string]string{"k": "v"})
	s.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	thread, err := reopened.GetThread(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if thread.Status != clubchat.ThreadActive {
		t.Errorf("status = %q", thread.Status)
	}
	if len(thread.Messages) != 1 || thread.Messages[0].Content != "before restart" {
		t.Fatalf("messages = %+v", thread.Messages)
	}
	if thread.Messages[0].Metadata["k"] != "v" {
		t.Errorf("metadata = %v", thread.Messages[0].Metadata)
	}
}

func TestThreadStoreDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateThread(ctx)
	s.Append(ctx, id, clubchat.RoleUser, "x", nil)

	ok, err := s.DeleteThread(ctx, id)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if msgs, _ := s.Messages(ctx, id); len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
	if ok, _ := s.DeleteThread(ctx, id); ok {
		t.Error("second delete reported true")
	}
}

func TestThreadStoreAppendUnknownThread(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Append(context.Background(), "missing", clubchat.RoleUser, "x", nil); err == nil {
		t.Fatal("expected error")
	}
}
