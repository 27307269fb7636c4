package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

// mapFetcher serves fixed bytes per URL and counts fetches.
type mapFetcher struct {
	mu      sync.Mutex
	objects *ObjectURLs
	data    map[string][]byte
	fetches int
}

func newMapFetcher(objects *ObjectURLs) *mapFetcher {
	return &mapFetcher{objects: objects, data: make(map[string][]byte)}
}

func (f *mapFetcher) add(url string, size int, seed byte) {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i%7)
	}
	f.mu.Lock()
	f.data[url] = data
	f.mu.Unlock()
}

func (f *mapFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if data, ok := f.data[url]; ok {
		return data, "image/png", nil
	}
	if data, mimeType, ok := f.objects.Resolve(url); ok {
		return data, mimeType, nil
	}
	return nil, "", fmt.Errorf("unknown url %s", url)
}

func testManager(t *testing.T, maxBytes int64) (*Manager, *mapFetcher, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewStoreWithPath(dbPath, StoreOptions{MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("NewStoreWithPath() error = %v", err)
	}

	objects := NewObjectURLs("")
	fetcher := newMapFetcher(objects)
	mgr := NewManager(store, ManagerOptions{
		Fetcher:   fetcher,
		Objects:   objects,
		Scheduler: SchedulerOptions{Clock: newFakeClock()},
	})

	cleanup := func() {
		mgr.Close(context.Background())
		store.Close()
	}
	return mgr, fetcher, cleanup
}

// sampleState builds a session with an upload, one base version with two
// versions and a rendition, one variation and a reference image.
func sampleState(f *mapFetcher) *State {
	f.add("https://cdn.example.com/upload.png", 200, 1)
	f.add("https://cdn.example.com/v1.png", 180, 2)
	f.add("https://cdn.example.com/square.png", 90, 3)
	f.add("https://cdn.example.com/beach.png", 150, 4)
	f.add("https://cdn.example.com/ref.png", 60, 5)

	st := &State{
		UploadedImage:       &UploadedImage{URL: "https://cdn.example.com/upload.png", Name: "shoe.png", MimeType: "image/png"},
		Analysis:            &Analysis{Summary: "a red sneaker", Subject: "sneaker"},
		ActiveBaseVersionID: "base-1",
		ActiveVariationID:   "var-1",
		Tools:               ToolState{ActiveTool: "background", BackgroundPresetID: "beach"},
	}

	base := BaseVersion{Branch: Branch{ID: "base-1", Name: "Original"}}
	i := base.AddVersion(ImageVersion{URL: "https://cdn.example.com/upload.png"})
	base.Complete(i, "https://cdn.example.com/upload.png")
	i = base.AddVersion(ImageVersion{Prompt: "brighter"})
	base.Complete(i, "https://cdn.example.com/v1.png")
	base.SetResized(ResizedImage{Size: "1080x1080", URL: "https://cdn.example.com/square.png", Status: StatusCompleted})
	st.BaseVersions = append(st.BaseVersions, base)

	v := Variation{Branch: Branch{ID: "var-1", Name: "Beach"}, Kind: KindBackground, SourceBaseVersionID: "base-1"}
	i = v.AddVersion(ImageVersion{Prompt: "on a beach"})
	v.Complete(i, "https://cdn.example.com/beach.png")
	st.Variations = append(st.Variations, v)

	st.References.Background = []ReferenceImage{{ID: "ref-1", URL: "https://cdn.example.com/ref.png", Name: "ref.png"}}
	return st
}

func TestNewManager(t *testing.T) {
	mgr, _, cleanup := testManager(t, 0)
	defer cleanup()

	if mgr == nil {
		t.Fatal("NewManager() returned nil")
	}
	if mgr.Objects() == nil || mgr.Scheduler() == nil || mgr.Store() == nil {
		t.Error("NewManager() left a component nil")
	}
}

func TestManager_SaveRestore(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	st := sampleState(f)
	if err := mgr.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := mgr.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	urls := []string{
		got.UploadedImage.URL,
		got.BaseVersions[0].Versions[0].URL,
		got.BaseVersions[0].Versions[1].URL,
		got.BaseVersions[0].Resized[0].URL,
		got.Variations[0].Versions[0].URL,
		got.References.Background[0].URL,
	}
	for i, url := range urls {
		if url == "" {
			t.Errorf("restored url %d is empty", i)
			continue
		}
		if _, _, ok := mgr.Objects().Resolve(url); !ok {
			t.Errorf("restored url %d = %q does not resolve", i, url)
		}
	}

	data, _, _ := mgr.Objects().Resolve(got.Variations[0].Versions[0].URL)
	if !bytes.Equal(data, f.data["https://cdn.example.com/beach.png"]) {
		t.Error("restored variation bytes differ from the saved image")
	}

	if got.UploadedImage.URL != got.BaseVersions[0].Versions[0].URL {
		t.Error("one stored image restored to two different urls")
	}
	if got.Analysis == nil || got.Analysis.Subject != "sneaker" {
		t.Errorf("Restore() Analysis = %+v", got.Analysis)
	}
	if got.ActiveVariationID != "var-1" || got.Tools.BackgroundPresetID != "beach" {
		t.Errorf("Restore() lost selection: %+v", got)
	}
	if got.Variations[0].Kind != KindBackground || got.Variations[0].SourceBaseVersionID != "base-1" {
		t.Errorf("Restore() variation = %+v", got.Variations[0])
	}
	if got.BaseVersions[0].CurrentIndex != 1 || got.BaseVersions[0].Versions[1].ParentIndex != 0 {
		t.Errorf("Restore() edit tree = %+v", got.BaseVersions[0])
	}
	if mgr.LastSaved().IsZero() {
		t.Error("LastSaved() is zero after restore")
	}
}

func TestManager_SaveIsIdempotent(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	st := sampleState(f)
	if err := mgr.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	first, _ := mgr.Store().CountImages(ctx)
	if first != 5 {
		t.Errorf("CountImages() = %d, want 5 distinct images", first)
	}
	fetches := f.fetches

	if err := mgr.Save(ctx, st); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	second, _ := mgr.Store().CountImages(ctx)
	if second != first {
		t.Errorf("CountImages() after second save = %d, want %d", second, first)
	}
	if f.fetches != fetches {
		t.Errorf("second save fetched %d urls, want 0", f.fetches-fetches)
	}
}

func TestManager_SaveRestoredStateIsIdempotent(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	if err := mgr.Save(ctx, sampleState(f)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	before, _ := mgr.Store().ListImageIDs(ctx)

	// Drop the URL memory so reuse has to come from the object URLs.
	mgr.serializer.Forget()
	restored, err := mgr.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if err := mgr.Save(ctx, restored); err != nil {
		t.Fatalf("Save() restored error = %v", err)
	}

	after, _ := mgr.Store().ListImageIDs(ctx)
	slices.Sort(before)
	slices.Sort(after)
	if len(after) != len(before) {
		t.Fatalf("image ids after = %v, before = %v", after, before)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("image %d changed id from %s to %s", i, before[i], after[i])
		}
	}
}

func TestManager_SaveDeletesSupersededImages(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	f.add("https://cdn.example.com/a.png", 50, 1)
	f.add("https://cdn.example.com/b.png", 50, 2)

	first := &State{UploadedImage: &UploadedImage{URL: "https://cdn.example.com/a.png"}}
	if err := mgr.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	second := &State{UploadedImage: &UploadedImage{URL: "https://cdn.example.com/b.png"}}
	if err := mgr.Save(ctx, second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	count, _ := mgr.Store().CountImages(ctx)
	if count != 1 {
		t.Errorf("CountImages() = %d, want 1", count)
	}
	got, _ := mgr.Restore(ctx)
	data, _, _ := mgr.Objects().Resolve(got.UploadedImage.URL)
	if !bytes.Equal(data, f.data["https://cdn.example.com/b.png"]) {
		t.Error("restored upload is not the newest image")
	}
}

func TestManager_SaveUploadFromFile(t *testing.T) {
	mgr, _, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n0000")
	st := &State{UploadedImage: &UploadedImage{Name: "raw.png", File: bytes.NewReader(png)}}
	if err := mgr.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := mgr.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got.UploadedImage.File != nil {
		t.Error("restored upload has a File")
	}
	data, mimeType, ok := mgr.Objects().Resolve(got.UploadedImage.URL)
	if !ok || !bytes.Equal(data, png) {
		t.Error("restored upload bytes differ")
	}
	if mimeType != "image/png" {
		t.Errorf("restored mime type = %v, want image/png", mimeType)
	}
}

func TestManager_Clear(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	if err := mgr.Save(ctx, sampleState(f)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := mgr.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	// An image nothing references, left by an interrupted process.
	mgr.Store().PutImage(ctx, testImage("stray", 40))

	if err := mgr.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	size, err := mgr.Size(ctx)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 0 {
		t.Errorf("Size() after Clear = %d, want 0", size)
	}
	if has, _ := mgr.HasSession(ctx); has {
		t.Error("HasSession() = true after Clear")
	}
	if mgr.Objects().Len() != 0 {
		t.Errorf("Objects().Len() = %d after Clear, want 0", mgr.Objects().Len())
	}
	if _, err := mgr.Restore(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("Restore() after Clear error = %v, want ErrNoSession", err)
	}
}

func TestManager_SaveAfterClearStoresAgain(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	st := sampleState(f)
	mgr.Save(ctx, st)
	mgr.Clear(ctx)

	if err := mgr.Save(ctx, st); err != nil {
		t.Fatalf("Save() after Clear error = %v", err)
	}
	if _, err := mgr.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	count, _ := mgr.Store().CountImages(ctx)
	if count != 5 {
		t.Errorf("CountImages() = %d, want 5", count)
	}
}

func TestManager_QuotaKeepsPreviousRecord(t *testing.T) {
	mgr, f, cleanup := testManager(t, 4096)
	defer cleanup()
	ctx := context.Background()

	f.add("https://cdn.example.com/small.png", 100, 1)
	f.add("https://cdn.example.com/huge.png", 8000, 2)

	ok := &State{UploadedImage: &UploadedImage{URL: "https://cdn.example.com/small.png"}, ActiveBaseVersionID: "kept"}
	if err := mgr.Save(ctx, ok); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	sizeBefore, _ := mgr.Size(ctx)

	tooBig := &State{
		UploadedImage:       &UploadedImage{URL: "https://cdn.example.com/small.png"},
		ActiveBaseVersionID: "lost",
		References:          ReferenceImages{Edit: []ReferenceImage{{ID: "r", URL: "https://cdn.example.com/huge.png"}}},
	}
	err := mgr.Save(ctx, tooBig)
	if !errors.Is(err, ErrSaveFailed) {
		t.Fatalf("Save() over quota error = %v, want ErrSaveFailed", err)
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Save() over quota error = %v, want it to wrap ErrQuotaExceeded", err)
	}

	rec, err := mgr.Store().GetSession(ctx)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.ActiveBaseVersionID != "kept" {
		t.Errorf("record after failed save = %v, want kept", rec.ActiveBaseVersionID)
	}
	sizeAfter, _ := mgr.Size(ctx)
	if sizeAfter != sizeBefore {
		t.Errorf("Size() after failed save = %d, want %d", sizeAfter, sizeBefore)
	}
}

func TestManager_RestoreMarksInterrupted(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	st := sampleState(f)
	st.IsProcessing = true
	v := &st.Variations[0]
	v.IsRegenerating = true
	v.AddVersion(ImageVersion{Prompt: "at night"})
	v.SetResized(ResizedImage{Size: "1200x628", Status: StatusProcessing})

	if err := mgr.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := mgr.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	rv := got.Variations[0]
	last := rv.Versions[len(rv.Versions)-1]
	if last.Status != StatusError || last.Error != InterruptedMessage {
		t.Errorf("in-flight version restored as %s %q", last.Status, last.Error)
	}
	if rv.Resized[0].Status != StatusError {
		t.Errorf("in-flight rendition restored as %s", rv.Resized[0].Status)
	}
	if rv.IsRegenerating || got.IsProcessing || got.IsAnalyzing {
		t.Error("busy flags survived restore")
	}
	if rv.Versions[0].Status != StatusCompleted {
		t.Errorf("completed version restored as %s", rv.Versions[0].Status)
	}
}

func TestManager_RestoreMissingImage(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	if err := mgr.Save(ctx, sampleState(f)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rec, _ := mgr.Store().GetSession(ctx)
	refID := rec.References.Background[0].ImageID
	varID := rec.Variations[0].Versions[0].ImageID
	mgr.Store().DeleteImages(ctx, []string{refID, varID})

	got, err := mgr.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got.Variations[0].Versions[0].URL != "" {
		t.Errorf("missing image restored to %q, want empty", got.Variations[0].Versions[0].URL)
	}
	if len(got.References.Background) != 0 {
		t.Errorf("missing reference kept: %+v", got.References.Background)
	}
	if got.UploadedImage == nil || got.UploadedImage.URL == "" {
		t.Error("present image failed to restore")
	}
}

func TestManager_RestoreNoSession(t *testing.T) {
	mgr, _, cleanup := testManager(t, 0)
	defer cleanup()

	if _, err := mgr.Restore(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Restore() error = %v, want ErrNoSession", err)
	}
}

func TestManager_SaveNil(t *testing.T) {
	mgr, _, cleanup := testManager(t, 0)
	defer cleanup()

	if err := mgr.Save(context.Background(), nil); !errors.Is(err, ErrSaveFailed) {
		t.Errorf("Save(nil) error = %v, want ErrSaveFailed", err)
	}
}

func TestManager_SaveUnresolvableURL(t *testing.T) {
	mgr, _, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	st := &State{UploadedImage: &UploadedImage{URL: "https://cdn.example.com/gone.png"}}
	if err := mgr.Save(ctx, st); !errors.Is(err, ErrSaveFailed) {
		t.Errorf("Save() error = %v, want ErrSaveFailed", err)
	}
	if has, _ := mgr.HasSession(ctx); has {
		t.Error("failed save left a record")
	}
}

func TestManager_Info(t *testing.T) {
	mgr, f, cleanup := testManager(t, 1<<20)
	defer cleanup()
	ctx := context.Background()

	info, err := mgr.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.HasSession || info.SizeBytes != 0 || info.Size != "0 B" {
		t.Errorf("Info() empty = %+v", info)
	}
	if info.LastSavedAgo != "never" {
		t.Errorf("Info() LastSavedAgo = %q, want never", info.LastSavedAgo)
	}

	mgr.Save(ctx, sampleState(f))
	info, _ = mgr.Info(ctx)
	if !info.HasSession || info.ImageCount != 5 {
		t.Errorf("Info() after save = %+v", info)
	}
	if info.QuotaBytes != 1<<20 {
		t.Errorf("Info() QuotaBytes = %d", info.QuotaBytes)
	}
	if info.LastSavedAgo != "just now" {
		t.Errorf("Info() LastSavedAgo = %q, want just now", info.LastSavedAgo)
	}
	if info.SaveState != "idle" {
		t.Errorf("Info() SaveState = %q, want idle", info.SaveState)
	}
}

func TestManager_ScheduleAndFlush(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	mgr.Schedule(sampleState(f))
	if has, _ := mgr.HasSession(ctx); has {
		t.Error("Schedule() saved before the debounce elapsed")
	}
	if err := mgr.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if has, _ := mgr.HasSession(ctx); !has {
		t.Error("Flush() did not save")
	}
}

func TestManager_DefaultFetcherUsesObjects(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	mgr := NewManager(store, ManagerOptions{Scheduler: SchedulerOptions{Clock: newFakeClock()}})
	defer mgr.Close(ctx)

	url := mgr.Objects().CreateFromData([]byte("jpegdata"), "image/jpeg")
	if err := mgr.Save(ctx, &State{UploadedImage: &UploadedImage{URL: url}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if id, ok := mgr.Objects().ImageID(url); !ok || id == "" {
		t.Error("object url was not bound to the stored image")
	}

	err := mgr.Save(ctx, &State{UploadedImage: &UploadedImage{URL: "https://example.com/x.png"}})
	if !errors.Is(err, ErrUnresolvableURL) {
		t.Errorf("Save() error = %v, want ErrUnresolvableURL", err)
	}
}

func TestManager_RestoreReusesObjectURLs(t *testing.T) {
	mgr, f, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	if err := mgr.Save(ctx, sampleState(f)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	first, err := mgr.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	live := mgr.Objects().Len()
	stored, _ := mgr.Store().CountImages(ctx)
	if live != stored {
		t.Errorf("Objects().Len() = %d after restore, want %d", live, stored)
	}

	for range 3 {
		again, err := mgr.Restore(ctx)
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if again.UploadedImage.URL != first.UploadedImage.URL {
			t.Errorf("upload url = %s, want %s", again.UploadedImage.URL, first.UploadedImage.URL)
		}
	}
	if got := mgr.Objects().Len(); got != live {
		t.Errorf("Objects().Len() = %d after repeated restores, want %d", got, live)
	}
}

func TestManager_SaveRevokesSupersededURLs(t *testing.T) {
	mgr, _, cleanup := testManager(t, 0)
	defer cleanup()
	ctx := context.Background()

	objects := mgr.Objects()
	oldURL := objects.CreateFromData([]byte("old"), "image/png")
	if err := mgr.Save(ctx, &State{UploadedImage: &UploadedImage{URL: oldURL}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	newURL := objects.CreateFromData([]byte("new"), "image/png")
	if err := mgr.Save(ctx, &State{UploadedImage: &UploadedImage{URL: newURL}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, _, ok := objects.Resolve(oldURL); ok {
		t.Error("superseded url still resolves")
	}
	if _, _, ok := objects.Resolve(newURL); !ok {
		t.Error("current url was revoked")
	}
	if objects.Len() != 1 {
		t.Errorf("Objects().Len() = %d, want 1", objects.Len())
	}
}

// storeQueryingFetcher queries the store from inside Fetch, which blocks if
// the save holds the only connection.
type storeQueryingFetcher struct {
	*mapFetcher
	store *Store
	err   error
}

func (f *storeQueryingFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := f.store.CountImages(qctx); err != nil && f.err == nil {
		f.err = err
	}
	return f.mapFetcher.Fetch(ctx, url)
}

func TestManager_SaveFetchesOutsideTransaction(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	objects := NewObjectURLs("")
	f := &storeQueryingFetcher{mapFetcher: newMapFetcher(objects), store: store}
	f.add("https://cdn.example.com/remote.png", 40, 3)
	mgr := NewManager(store, ManagerOptions{
		Fetcher:   f,
		Objects:   objects,
		Scheduler: SchedulerOptions{Clock: newFakeClock()},
	})
	defer mgr.Close(ctx)

	if err := mgr.Save(ctx, &State{UploadedImage: &UploadedImage{URL: "https://cdn.example.com/remote.png"}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if f.err != nil {
		t.Errorf("store query during fetch failed: %v", f.err)
	}
	if f.fetches != 1 {
		t.Errorf("fetches = %d, want 1", f.fetches)
	}
}
