package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/casparianflow/flow/internal/fingerprint"
)

func TestWatchDetectsNewFileAndRescans(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "seed.csv", "a,b\n1,2\n")

	cat := openTestCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, cat, WatchConfig{
			Config:   Config{Roots: []string{dir}},
			Debounce: 20 * time.Millisecond,
		})
	}()

	// Give fsnotify time to install its watch before we write.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "fresh.csv", "c,d\n3,4\n")

	// Watch's own debounced rescan should pick up fresh.csv on its own.
	// The test never scans, so a file.discovered lineage event for
	// fresh.csv's fingerprint can only come from Watch's rescan.
	freshFP, err := fingerprint.OfBytes(fingerprint.DefaultAlgorithm, []byte("c,d\n3,4\n"))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		events, err := cat.ListLineageEvents(freshFP)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for watch to pick up new file")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned error after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	cat := openTestCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, cat, WatchConfig{Config: Config{Roots: []string{dir}}})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return promptly after cancel")
	}
}
