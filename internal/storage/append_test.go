package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

var errorLogHeader = []string{"success", "created", "id", "statusCode", "message"}

func errorRows(rows ...[]string) *Table {
	t := NewTable(errorLogHeader...)
	t.Rows = append(t.Rows, rows...)
	return t
}

func TestAppendDeduplicatedAbsentLog(t *testing.T) {
	store := NewMemStore()
	defer store.Close()
	ctx := context.Background()

	// 2 unique rows, 1 duplicate of the first
	rows := errorRows(
		[]string{"False", "False", "001", "ENTITY_IS_DELETED", "entity is deleted"},
		[]string{"True", "False", "002", "", ""},
		[]string{"False", "False", "001", "ENTITY_IS_DELETED", "entity is deleted"},
	)

	if err := store.AppendDeduplicated(ctx, "error.csv", rows); err != nil {
		t.Fatalf("AppendDeduplicated failed: %v", err)
	}

	got, err := store.Read(ctx, "error.csv")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Len() != 2 {
		t.Errorf("rows on disk = %d, want 2: %v", got.Len(), got.Rows)
	}
	if got.Rows[0][2] != "001" || got.Rows[1][2] != "002" {
		t.Errorf("first occurrence order not kept: %v", got.Rows)
	}
}

func TestAppendDeduplicatedIdempotent(t *testing.T) {
	store := NewMemStore()
	defer store.Close()
	ctx := context.Background()

	rows := errorRows(
		[]string{"False", "False", "001", "INVALID_CROSS_REFERENCE_KEY", "invalid id"},
		[]string{"False", "False", "002", "ENTITY_IS_DELETED", "entity is deleted"},
	)

	if err := store.AppendDeduplicated(ctx, "error.csv", rows); err != nil {
		t.Fatal(err)
	}
	once, err := store.Read(ctx, "error.csv")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.AppendDeduplicated(ctx, "error.csv", rows); err != nil {
		t.Fatal(err)
	}
	twice, err := store.Read(ctx, "error.csv")
	if err != nil {
		t.Fatal(err)
	}

	if fmt.Sprint(once.Rows) != fmt.Sprint(twice.Rows) {
		t.Errorf("second append changed the log:\n once:  %v\n twice: %v", once.Rows, twice.Rows)
	}
}

func TestAppendDeduplicatedEmptyExistingFile(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewLocalStore(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// A zero-byte log behaves like an absent one
	if err := store.backend.put(ctx, "error.csv", nil); err != nil {
		t.Fatal(err)
	}

	rows := errorRows([]string{"True", "False", "003", "", ""})
	if err := store.AppendDeduplicated(ctx, "error.csv", rows); err != nil {
		t.Fatalf("AppendDeduplicated failed: %v", err)
	}

	got, err := store.Read(ctx, "error.csv")
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 1 {
		t.Errorf("rows = %d, want 1", got.Len())
	}
}

func TestAppendDeduplicatedConcurrent(t *testing.T) {
	stores := map[string]func(t *testing.T) *Store{
		"mem": func(t *testing.T) *Store { return NewMemStore() },
		"local": func(t *testing.T) *Store {
			s, err := NewLocalStore(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()
			ctx := context.Background()

			const perWriter = 25
			var wg sync.WaitGroup
			for _, prefix := range []string{"A", "C"} {
				wg.Add(1)
				go func(prefix string) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						rows := errorRows([]string{"False", "False", fmt.Sprintf("%s%03d", prefix, i), "X", "y"})
						if err := store.AppendDeduplicated(ctx, "error.csv", rows); err != nil {
							t.Errorf("append %s%03d: %v", prefix, i, err)
						}
					}
				}(prefix)
			}
			wg.Wait()

			got, err := store.Read(ctx, "error.csv")
			if err != nil {
				t.Fatal(err)
			}
			ids, _ := got.Column("id")
			if len(ids) != 2*perWriter {
				sort.Strings(ids)
				t.Fatalf("rows = %d, want %d (lost update): %v", len(ids), 2*perWriter, ids)
			}
		})
	}
}

func TestMergeDistinctProjectsHeader(t *testing.T) {
	base := &Table{
		Header: []string{"id", "message"},
		Rows:   [][]string{{"001", "a"}},
	}
	extra := &Table{
		Header: []string{"message", "id", "extra"},
		Rows:   [][]string{{"a", "001", "z"}, {"b", "002", "z"}},
	}

	merged := MergeDistinct(base, extra)
	if fmt.Sprint(merged.Header) != "[id message]" {
		t.Errorf("header = %v, want base header", merged.Header)
	}
	want := "[[001 a] [002 b]]"
	if fmt.Sprint(merged.Rows) != want {
		t.Errorf("rows = %v, want %s", merged.Rows, want)
	}
}

func TestMergeDistinctCellBoundaries(t *testing.T) {
	// Rows whose concatenations coincide must stay distinct
	extra := &Table{
		Header: []string{"a", "b"},
		Rows:   [][]string{{"ab", "c"}, {"a", "bc"}},
	}
	merged := MergeDistinct(nil, extra)
	if merged.Len() != 2 {
		t.Errorf("rows = %v, want both kept", merged.Rows)
	}
}

func TestAppendDeduplicatedSeparateStores(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Two stores on one directory stand in for the daemon and a one-shot run
	var stores []*Store
	for i := 0; i < 2; i++ {
		s, err := NewLocalStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		stores = append(stores, s)
	}

	const perStore = 40
	var wg sync.WaitGroup
	for n, store := range stores {
		for i := 0; i < perStore; i++ {
			wg.Add(1)
			go func(store *Store, id string) {
				defer wg.Done()
				rows := errorRows([]string{"False", "False", id, "X", "y"})
				if err := store.AppendDeduplicated(ctx, "error.csv", rows); err != nil {
					t.Errorf("append %s: %v", id, err)
				}
			}(store, fmt.Sprintf("S%d-%03d", n, i))
		}
	}
	wg.Wait()

	got, err := stores[0].Read(ctx, "error.csv")
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 2*perStore {
		t.Errorf("rows = %d, want %d (lost update across stores)", got.Len(), 2*perStore)
	}
}

func TestAppendDeduplicatedLockCancelled(t *testing.T) {
	dir := t.TempDir()
	holder, err := NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	other, err := NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	release, err := holder.backend.(fileLocker).lockFile(context.Background(), "error.csv")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = other.AppendDeduplicated(ctx, "error.csv", errorRows([]string{"True", "False", "001", "", ""}))
	if err == nil {
		t.Fatal("append should fail while another store holds the file lock")
	}
	if exists, _ := other.Exists(context.Background(), "error.csv"); exists {
		t.Error("blocked append must not write the log")
	}
}

func TestKeyedMutexCleansKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("error.csv")

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.Lock("./error.csv")()
	}()

	select {
	case <-acquired:
		t.Fatal("./error.csv should share the lock of error.csv")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
}
