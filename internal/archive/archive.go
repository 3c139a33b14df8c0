// Package archive periodically exports the audit log to an encrypted XLSX
// workbook in the object store.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/starstore/internal/export"
	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/objectstore"
	"github.com/dukerupert/starstore/internal/store"
)

var (
	ErrDisabled   = errors.New("archives are not configured")
	ErrInProgress = errors.New("an archive is already running")
	ErrNotFound   = errors.New("archive not found")
)

const keyPrefix = "archives/"

type Config struct {
	Passphrase string
	Interval   time.Duration
	// Retention is how long archives are kept; zero keeps them forever.
	Retention time.Duration
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State       State      `json:"state"`
	LastArchive *time.Time `json:"last_archive,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StatusCallback is called whenever the archive state changes.
type StatusCallback func(Status)

type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback

	audit    *store.AuditStore
	archives *store.ArchiveStore
	objects  objectstore.Store
	logger   *slog.Logger
	now      func() time.Time

	running sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, audit *store.AuditStore, archives *store.ArchiveStore, objects objectstore.Store, logger *slog.Logger, callback StatusCallback) *Manager {
	m := &Manager{
		cfg:      cfg,
		audit:    audit,
		archives: archives,
		objects:  objects,
		logger:   logger,
		callback: callback,
		now:      time.Now,
		status:   Status{State: StateDisabled},
	}
	if cfg.Passphrase != "" && objects != nil {
		m.status.State = StateIdle
	}
	return m
}

func (m *Manager) Enabled() bool {
	return m.Status().State != StateDisabled
}

// Start runs an archive every cfg.Interval until ctx is cancelled or Stop is
// called. It is a no-op when archives are disabled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status.State == StateDisabled || m.cfg.Interval <= 0 || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.cfg.Interval
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduled(ctx)
			}
		}
	}()
}

// Stop cancels the schedule and waits for a running archive to finish.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.LastArchive == nil {
		s.LastArchive = m.status.LastArchive
	}
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

func (m *Manager) scheduled(ctx context.Context) {
	a, err := m.RunNow(ctx)
	if err != nil {
		m.logger.Error("scheduled archive failed", "error", err)
	} else {
		m.logger.Info("archive completed", "archive_id", a.ID, "entries", a.EntryCount, "bytes", a.SizeBytes)
	}
	if err := m.Cleanup(ctx); err != nil {
		m.logger.Error("archive cleanup failed", "error", err)
	}
}

// RunNow exports the full audit log, encrypts it and uploads it. Only one run
// proceeds at a time; a concurrent call fails with ErrInProgress.
func (m *Manager) RunNow(ctx context.Context) (*model.Archive, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	if !m.running.TryLock() {
		return nil, ErrInProgress
	}
	defer m.running.Unlock()

	m.setStatus(Status{State: StateRunning})

	key := keyPrefix + "audit-" + m.now().UTC().Format("2006-01-02T150405.000000000Z") + ".xlsx.enc"
	record, err := m.archives.Create(key)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, fmt.Errorf("create archive record: %w", err)
	}

	count, size, err := m.upload(ctx, record.ID, key)
	if err != nil {
		if uerr := m.archives.UpdateStatus(record.ID, model.ArchiveStatusFailed, err.Error()); uerr != nil {
			m.logger.Error("mark archive failed", "archive_id", record.ID, "error", uerr)
		}
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, err
	}

	if err := m.archives.UpdateCompleted(record.ID, count, size); err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, err
	}

	done := m.now().UTC()
	m.setStatus(Status{State: StateIdle, LastArchive: &done})

	return m.archives.GetByID(record.ID)
}

func (m *Manager) upload(ctx context.Context, id int64, key string) (int, int64, error) {
	entries, err := m.audit.List(ctx, store.AuditFilter{})
	if err != nil {
		return 0, 0, fmt.Errorf("read audit log: %w", err)
	}

	var buf bytes.Buffer
	if err := export.WriteAudit(&buf, export.FormatXLSX, entries); err != nil {
		return 0, 0, fmt.Errorf("export audit log: %w", err)
	}

	sealed, err := Encrypt(buf.Bytes(), m.cfg.Passphrase)
	if err != nil {
		return 0, 0, fmt.Errorf("encrypt: %w", err)
	}

	if err := m.archives.UpdateStatus(id, model.ArchiveStatusUploading, ""); err != nil {
		return 0, 0, err
	}
	size := int64(len(sealed))
	if err := m.objects.Put(ctx, key, bytes.NewReader(sealed), size, "application/octet-stream"); err != nil {
		return 0, 0, fmt.Errorf("upload archive: %w", err)
	}
	return len(entries), size, nil
}

// Open downloads and decrypts a completed archive, returning the XLSX
// workbook bytes.
func (m *Manager) Open(ctx context.Context, id int64) ([]byte, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	record, err := m.archives.GetByID(id)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Status != model.ArchiveStatusCompleted {
		return nil, ErrNotFound
	}

	obj, err := m.objects.Get(ctx, record.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}
	defer obj.Body.Close()

	sealed, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return Decrypt(sealed, m.cfg.Passphrase)
}

// Cleanup deletes archives older than the retention period.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.cfg.Retention <= 0 || !m.Enabled() {
		return nil
	}
	keys, err := m.archives.DeleteOlderThan(m.now().Add(-m.cfg.Retention))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.objects.Delete(ctx, key); err != nil {
			m.logger.Warn("delete archive object", "key", key, "error", err)
		}
	}
	return nil
}
