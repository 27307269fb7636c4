package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T, opts StoreOptions) (*Store, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewStoreWithPath(dbPath, opts)
	if err != nil {
		t.Fatalf("NewStoreWithPath() error = %v", err)
	}

	cleanup := func() {
		store.Close()
	}
	return store, cleanup
}

func testImage(id string, size int) *StoredImage {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return &StoredImage{ID: id, Data: data, MimeType: "image/png"}
}

func TestNewStoreWithPath(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()

	if store == nil {
		t.Error("NewStoreWithPath() returned nil")
	}
}

func TestNewStoreWithPath_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "session.db")
	store, err := NewStoreWithPath(dbPath, StoreOptions{})
	if err != nil {
		t.Fatalf("NewStoreWithPath() error = %v", err)
	}
	store.Close()
}

func TestStore_PutAndGetSession(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	rec := &SessionRecord{
		UploadedImage:       &StoredUpload{ImageID: "img-1", Name: "shoe.png", MimeType: "image/png"},
		ActiveBaseVersionID: "base-1",
		BaseVersions: []StoredBaseVersion{{StoredBranch: StoredBranch{
			ID:       "base-1",
			Name:     "Original",
			Versions: []StoredVersion{{ImageID: "img-1", ParentIndex: -1, Status: StatusCompleted}},
		}}},
	}

	if err := store.PutSession(ctx, rec); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}

	got, err := store.GetSession(ctx)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Key != CurrentKey {
		t.Errorf("GetSession() Key = %v, want %v", got.Key, CurrentKey)
	}
	if got.UploadedImage == nil || got.UploadedImage.ImageID != "img-1" {
		t.Errorf("GetSession() UploadedImage = %+v", got.UploadedImage)
	}
	if len(got.BaseVersions) != 1 || got.BaseVersions[0].Name != "Original" {
		t.Errorf("GetSession() BaseVersions = %+v", got.BaseVersions)
	}
	if got.SavedAt.IsZero() {
		t.Error("GetSession() SavedAt is zero")
	}
}

func TestStore_PutSessionReplaces(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	store.PutSession(ctx, &SessionRecord{ActiveBaseVersionID: "first"})
	store.PutSession(ctx, &SessionRecord{ActiveBaseVersionID: "second"})

	got, err := store.GetSession(ctx)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ActiveBaseVersionID != "second" {
		t.Errorf("ActiveBaseVersionID = %v, want second", got.ActiveBaseVersionID)
	}

	var rows int
	store.DB().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&rows)
	if rows != 1 {
		t.Errorf("sessions rows = %d, want 1", rows)
	}
}

func TestStore_GetSessionMissing(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()

	_, err := store.GetSession(context.Background())
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("GetSession() error = %v, want ErrNoSession", err)
	}
}

func TestStore_HasAndDeleteSession(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	has, err := store.HasSession(ctx)
	if err != nil || has {
		t.Fatalf("HasSession() = %v, %v; want false, nil", has, err)
	}

	store.PutSession(ctx, &SessionRecord{})
	if has, _ := store.HasSession(ctx); !has {
		t.Error("HasSession() = false after PutSession")
	}

	if err := store.DeleteSession(ctx); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if has, _ := store.HasSession(ctx); has {
		t.Error("HasSession() = true after DeleteSession")
	}
}

func TestStore_Images(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	img := testImage("img-1", 100)
	if err := store.PutImage(ctx, img); err != nil {
		t.Fatalf("PutImage() error = %v", err)
	}

	got, err := store.GetImage(ctx, "img-1")
	if err != nil {
		t.Fatalf("GetImage() error = %v", err)
	}
	if len(got.Data) != 100 {
		t.Errorf("GetImage() data length = %d, want 100", len(got.Data))
	}
	if got.MimeType != "image/png" {
		t.Errorf("GetImage() MimeType = %v, want image/png", got.MimeType)
	}

	has, err := store.HasImage(ctx, "img-1")
	if err != nil || !has {
		t.Errorf("HasImage() = %v, %v; want true, nil", has, err)
	}

	if err := store.DeleteImage(ctx, "img-1"); err != nil {
		t.Fatalf("DeleteImage() error = %v", err)
	}
	_, err = store.GetImage(ctx, "img-1")
	if !errors.Is(err, ErrImageNotFound) {
		t.Errorf("GetImage() after delete error = %v, want ErrImageNotFound", err)
	}
}

func TestStore_PutImageValidation(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name string
		img  *StoredImage
		want error
	}{
		{"missing id", &StoredImage{Data: []byte{1}}, ErrInvalidImageID},
		{"empty data", &StoredImage{ID: "x"}, ErrEmptyImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.PutImage(ctx, tt.img); !errors.Is(err, tt.want) {
				t.Errorf("PutImage() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStore_DeleteImages(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		store.PutImage(ctx, testImage(id, 10))
	}

	n, err := store.DeleteImages(ctx, []string{"a", "c", "missing"})
	if err != nil {
		t.Fatalf("DeleteImages() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteImages() = %d, want 2", n)
	}

	ids, _ := store.ListImageIDs(ctx)
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("ListImageIDs() = %v, want [b]", ids)
	}

	if n, err := store.DeleteImages(ctx, nil); n != 0 || err != nil {
		t.Errorf("DeleteImages(nil) = %d, %v", n, err)
	}
}

func TestStore_Size(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	size, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 0 {
		t.Errorf("Size() empty = %d, want 0", size)
	}

	store.PutImage(ctx, testImage("a", 300))
	store.PutImage(ctx, testImage("b", 200))
	rec := &SessionRecord{ActiveBaseVersionID: "x", SavedAt: time.Unix(0, 0)}
	store.PutSession(ctx, rec)

	size, _ = store.Size(ctx)
	if size <= 500 {
		t.Errorf("Size() = %d, want more than the 500 image bytes", size)
	}
}

func TestStore_Quota(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{MaxBytes: 1000})
	defer cleanup()
	ctx := context.Background()

	if err := store.PutImage(ctx, testImage("a", 600)); err != nil {
		t.Fatalf("PutImage() error = %v", err)
	}
	err := store.PutImage(ctx, testImage("b", 600))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("PutImage() over quota error = %v, want ErrQuotaExceeded", err)
	}

	// Replacing an image only counts the difference.
	if err := store.PutImage(ctx, testImage("a", 900)); err != nil {
		t.Errorf("PutImage() replace error = %v", err)
	}

	if has, _ := store.HasImage(ctx, "b"); has {
		t.Error("rejected image was stored")
	}
}

func TestStore_WithTxRollback(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.PutImage(ctx, testImage("a", 10)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}
	if has, _ := store.HasImage(ctx, "a"); has {
		t.Error("image written inside a rolled back transaction survived")
	}
}

func TestStore_ClearSession(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	store.PutImage(ctx, testImage("a", 10))
	store.PutImage(ctx, testImage("b", 10))
	store.PutSession(ctx, &SessionRecord{
		UploadedImage: &StoredUpload{ImageID: "a"},
		References:    StoredReferences{Edit: []StoredReference{{ID: "r", ImageID: "b"}}},
	})

	n, err := store.ClearSession(ctx)
	if err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ClearSession() deleted = %d, want 2", n)
	}
	if size, _ := store.Size(ctx); size != 0 {
		t.Errorf("Size() after clear = %d, want 0", size)
	}

	// Clearing with nothing stored is not an error.
	if _, err := store.ClearSession(ctx); err != nil {
		t.Errorf("ClearSession() on empty store error = %v", err)
	}
}

func TestStore_PruneOrphans(t *testing.T) {
	store, cleanup := testStore(t, StoreOptions{})
	defer cleanup()
	ctx := context.Background()

	store.PutImage(ctx, testImage("kept", 10))
	store.PutImage(ctx, testImage("orphan", 10))
	store.PutSession(ctx, &SessionRecord{UploadedImage: &StoredUpload{ImageID: "kept"}})

	n, err := store.PruneOrphans(ctx)
	if err != nil {
		t.Fatalf("PruneOrphans() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PruneOrphans() = %d, want 1", n)
	}
	if has, _ := store.HasImage(ctx, "kept"); !has {
		t.Error("referenced image was pruned")
	}
}

func TestSessionRecord_ImageIDs(t *testing.T) {
	rec := &SessionRecord{
		UploadedImage: &StoredUpload{ImageID: "up"},
		BaseVersions: []StoredBaseVersion{{StoredBranch: StoredBranch{
			Versions: []StoredVersion{{ImageID: "up"}, {ImageID: "v1"}, {ImageID: ""}},
			Resized:  []StoredRendition{{Size: "1080x1080", ImageID: "r1"}},
		}}},
		Variations: []StoredVariation{{StoredBranch: StoredBranch{
			Versions: []StoredVersion{{ImageID: "v1"}, {ImageID: "v2"}},
		}}},
		References: StoredReferences{Background: []StoredReference{{ImageID: "ref"}}},
	}

	got := rec.ImageIDs()
	want := []string{"up", "v1", "r1", "v2", "ref"}
	if len(got) != len(want) {
		t.Fatalf("ImageIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ImageIDs()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
