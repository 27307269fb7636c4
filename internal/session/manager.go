package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreyrab/statickit/internal/logger"
)

var (
	ErrSaveFailed        = errors.New("failed to save session")
	ErrDanglingReference = errors.New("session references a missing image")
	ErrUnresolvableURL   = errors.New("url cannot be resolved")
)

type ManagerOptions struct {
	// Fetcher resolves image URLs during save. When nil only object URLs
	// minted by Objects can be saved.
	Fetcher   Fetcher
	Objects   *ObjectURLs
	Scheduler SchedulerOptions
}

type Manager struct {
	store      *Store
	objects    *ObjectURLs
	serializer *Serializer
	restorer   *Restorer
	scheduler  *Scheduler
	clock      Clock

	mu        sync.Mutex
	lastSaved time.Time
}

func NewManager(store *Store, opts ManagerOptions) *Manager {
	if opts.Objects == nil {
		opts.Objects = NewObjectURLs("")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = objectFetcher{objects: opts.Objects}
	}
	clock := opts.Scheduler.Clock
	if clock == nil {
		clock = RealClock
	}
	m := &Manager{
		store:      store,
		objects:    opts.Objects,
		serializer: NewSerializer(opts.Fetcher, opts.Objects),
		restorer:   NewRestorer(store, opts.Objects),
		clock:      clock,
	}
	m.scheduler = NewScheduler(m.Save, opts.Scheduler)
	return m
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) Objects() *ObjectURLs {
	return m.objects
}

func (m *Manager) Scheduler() *Scheduler {
	return m.scheduler
}

// Save writes st as the current session in one transaction. A failed save
// leaves the previous record and its images as they were.
func (m *Manager) Save(ctx context.Context, st *State) error {
	if st == nil {
		return fmt.Errorf("%w: nil state", ErrSaveFailed)
	}
	// A save that has started runs to completion.
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Remote fetches must not hold the store's only connection.
	pre, err := m.serializer.Prefetch(ctx, st)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("session save failed")
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	var rec *SessionRecord
	var stale []string
	var superseded int
	err = m.store.WithTx(ctx, func(tx *Tx) error {
		prev, err := tx.GetSession(ctx)
		if err != nil && !errors.Is(err, ErrNoSession) {
			return err
		}

		rec, err = m.serializer.Serialize(ctx, st, tx, pre)
		if err != nil {
			return err
		}

		ids := rec.ImageIDs()
		for _, id := range ids {
			ok, err := tx.HasImage(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrDanglingReference, id)
			}
		}

		if prev != nil {
			keep := make(map[string]bool, len(ids))
			for _, id := range ids {
				keep[id] = true
			}
			stale = stale[:0]
			for _, id := range prev.ImageIDs() {
				if !keep[id] {
					stale = append(stale, id)
				}
			}
			if superseded, err = tx.DeleteImages(ctx, stale); err != nil {
				return fmt.Errorf("failed to delete superseded images: %w", err)
			}
		}

		rec.SavedAt = m.clock.Now()
		return tx.PutSession(ctx, rec)
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			logger.Logger.Warn().Err(err).Int64("quota_bytes", m.store.MaxBytes()).Msg("session not saved, storage quota exceeded")
		} else {
			logger.Logger.Error().Err(err).Msg("session save failed")
		}
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	m.lastSaved = rec.SavedAt
	revoked := m.objects.RevokeImages(stale)
	logger.Logger.Debug().
		Int("images", len(rec.ImageIDs())).
		Int("superseded", superseded).
		Int("urls_revoked", revoked).
		Msg("session saved")
	return nil
}

func (m *Manager) Schedule(st *State) {
	m.scheduler.Schedule(st)
}

func (m *Manager) Flush(ctx context.Context) error {
	return m.scheduler.Flush(ctx)
}

func (m *Manager) Start() {
	m.scheduler.Start()
}

// Close flushes pending changes and stops the scheduler. The store stays open.
func (m *Manager) Close(ctx context.Context) error {
	return m.scheduler.Stop(ctx)
}

func (m *Manager) Restore(ctx context.Context) (*State, error) {
	rec, err := m.store.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	st, err := m.restorer.RestoreRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastSaved = rec.SavedAt
	m.mu.Unlock()
	return st, nil
}

// Clear drops any pending save, deletes the record with every stored image
// and revokes all object URLs.
func (m *Manager) Clear(ctx context.Context) error {
	m.scheduler.Cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted, err := m.store.ClearSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	orphans, err := m.store.PruneOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to prune images: %w", err)
	}
	revoked := m.objects.RevokeAll()
	m.serializer.Forget()
	m.lastSaved = time.Time{}

	logger.Logger.Info().
		Int("images_deleted", deleted+orphans).
		Int("urls_revoked", revoked).
		Msg("session cleared")
	return nil
}

func (m *Manager) Size(ctx context.Context) (int64, error) {
	return m.store.Size(ctx)
}

func (m *Manager) HasSession(ctx context.Context) (bool, error) {
	return m.store.HasSession(ctx)
}

func (m *Manager) Image(ctx context.Context, id string) (*StoredImage, error) {
	return m.store.GetImage(ctx, id)
}

func (m *Manager) LastSaved() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSaved
}

type SessionInfo struct {
	HasSession   bool      `json:"has_session"`
	SizeBytes    int64     `json:"size_bytes"`
	Size         string    `json:"size"`
	QuotaBytes   int64     `json:"quota_bytes,omitempty"`
	ImageCount   int       `json:"image_count"`
	LastSaved    time.Time `json:"last_saved,omitempty"`
	LastSavedAgo string    `json:"last_saved_ago"`
	SaveState    string    `json:"save_state"`
	LastError    string    `json:"last_error,omitempty"`
}

func (m *Manager) Info(ctx context.Context) (*SessionInfo, error) {
	has, err := m.store.HasSession(ctx)
	if err != nil {
		return nil, err
	}
	size, err := m.store.Size(ctx)
	if err != nil {
		return nil, err
	}
	count, err := m.store.CountImages(ctx)
	if err != nil {
		return nil, err
	}

	status := m.scheduler.Status()
	last := m.LastSaved()
	info := &SessionInfo{
		HasSession:   has,
		SizeBytes:    size,
		Size:         FormatBytes(size),
		QuotaBytes:   m.store.MaxBytes(),
		ImageCount:   count,
		LastSaved:    last,
		LastSavedAgo: FormatRelativeTime(last, m.clock.Now()),
		SaveState:    status.State.String(),
	}
	if status.LastError != nil {
		info.LastError = status.LastError.Error()
	}
	return info, nil
}

type objectFetcher struct {
	objects *ObjectURLs
}

func (f objectFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	data, mimeType, ok := f.objects.Resolve(url)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnresolvableURL, truncateURL(url))
	}
	return data, mimeType, nil
}
