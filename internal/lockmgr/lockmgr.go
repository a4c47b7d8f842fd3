package lockmgr

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/text/unicode/norm"

	"docqc/internal/logging"
)

const (
	// DefaultDirName is the lock directory created beside watched files.
	DefaultDirName = ".qc-locks"
	// DefaultStaleAfter is the age past which a lock is considered abandoned.
	DefaultStaleAfter = 10 * time.Minute

	guardFileName = ".guard"
	lockSuffix    = ".lock"
	tempPrefix    = ".tmp-"
	guardRetry    = 25 * time.Millisecond
)

// Record is the on-disk lock payload.
type Record struct {
	JobID       string `json:"qcId"`
	FilePath    string `json:"filePath"`
	ProcessedBy string `json:"processedBy"`
	TimestampMS int64  `json:"timestamp"`
	Hostname    string `json:"hostname"`
}

// AcquiredAt returns the record timestamp as a time.
func (r Record) AcquiredAt() time.Time {
	return time.UnixMilli(r.TimestampMS)
}

// Result reports the outcome of Acquire.
type Result struct {
	Acquired bool
	// Created is set when this call wrote the record; only then should the
	// caller release it.
	Created bool
	// Holder is set when another claimant owns the lock.
	Holder *Record
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIdentity overrides the claimant and hostname written into records.
func WithIdentity(claimant, hostname string) Option {
	return func(m *Manager) {
		if claimant != "" {
			m.claimant = claimant
		}
		if hostname != "" {
			m.hostname = hostname
		}
	}
}

// WithCaseSensitiveKeys keeps letter case in lock keys, so Report.docx and
// report.docx lock independently. Every host sharing a watch root must use
// the same setting.
func WithCaseSensitiveKeys(enabled bool) Option {
	return func(m *Manager) {
		m.caseSensitive = enabled
	}
}

// Manager acquires and releases file locks.
type Manager struct {
	dirName       string
	staleAfter    time.Duration
	caseSensitive bool
	now           func() time.Time
	logger        *slog.Logger
	claimant      string
	hostname      string
}

// New constructs a Manager. Empty dirName and non-positive staleAfter fall
// back to the defaults.
func New(dirName string, staleAfter time.Duration, opts ...Option) *Manager {
	if strings.TrimSpace(dirName) == "" {
		dirName = DefaultDirName
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	host, _ := os.Hostname()
	m := &Manager{
		dirName:    dirName,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logging.NewNop(),
		claimant:   Claimant(),
		hostname:   host,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Claimant returns the user@host identity for this process.
func Claimant() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return user + "@" + host
}

// Identity returns the claimant written into records.
func (m *Manager) Identity() string {
	return m.claimant
}

// Dir returns the lock directory for basePath.
func (m *Manager) Dir(basePath string) string {
	return filepath.Join(basePath, m.dirName)
}

// Acquire sweeps stale records under basePath and then tries to create a lock
// for filePath on behalf of jobID. A live lock already written by this
// claimant for jobID counts as acquired, with Created unset.
func (m *Manager) Acquire(ctx context.Context, basePath, jobID, filePath string) (Result, error) {
	dir := m.Dir(basePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("ensure lock dir: %w", err)
	}
	unlock, err := m.guard(ctx, dir)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	m.sweepDir(dir)

	path := m.recordPath(dir, filePath)
	data, err := json.Marshal(Record{
		JobID:       jobID,
		FilePath:    filePath,
		ProcessedBy: m.claimant,
		TimestampMS: m.now().UnixMilli(),
		Hostname:    m.hostname,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode lock record: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, err := m.create(dir, path, data)
		if err != nil {
			return Result{}, err
		}
		if created {
			m.logger.Debug("lock acquired",
				logging.JobID(jobID),
				logging.FilePath(filePath),
			)
			return Result{Acquired: true, Created: true}, nil
		}
		if holder, ok := m.readLive(path); ok {
			if m.owns(holder, jobID) {
				return Result{Acquired: true}, nil
			}
			return Result{Holder: &holder}, nil
		}
		// Expired between sweep and create; the guard makes removal safe.
		_ = os.Remove(path)
	}
	return Result{}, fmt.Errorf("lock record %s contended", filepath.Base(path))
}

func (m *Manager) owns(record Record, jobID string) bool {
	return record.JobID == jobID && record.ProcessedBy == m.claimant
}

// create publishes data at path only if path does not exist. The record is
// written to a temp file first and hard-linked into place, so readers never
// observe a partial record.
func (m *Manager) create(dir, path string, data []byte) (bool, error) {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return false, fmt.Errorf("create lock temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if err := writeAndClose(tmp, data); err != nil {
		return false, err
	}
	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("publish lock record: %w", err)
	}
	return true, nil
}

// Release removes the lock for filePath whoever holds it. A missing record is
// not an error.
func (m *Manager) Release(basePath, filePath string) error {
	path := m.recordPath(m.Dir(basePath), filePath)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock record: %w", err)
	}
	return nil
}

// ReleaseOwned removes the lock for filePath only while it still belongs to
// this claimant and jobID. It reports whether a record was removed.
func (m *Manager) ReleaseOwned(ctx context.Context, basePath, jobID, filePath string) (bool, error) {
	dir := m.Dir(basePath)
	path := m.recordPath(dir, filePath)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	unlock, err := m.guard(ctx, dir)
	if err != nil {
		return false, err
	}
	defer unlock()
	record, ok := m.readRecord(path)
	if !ok || !m.owns(record, jobID) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove lock record: %w", err)
	}
	return true, nil
}

// Check returns the live holder of filePath, or nil when unlocked. A stale or
// corrupt record is removed under the directory guard.
func (m *Manager) Check(ctx context.Context, basePath, filePath string) (*Record, error) {
	dir := m.Dir(basePath)
	path := m.recordPath(dir, filePath)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat lock record: %w", err)
	}
	if record, ok := m.readLive(path); ok {
		return &record, nil
	}
	unlock, err := m.guard(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if record, ok := m.readLive(path); ok {
		return &record, nil
	}
	_ = os.Remove(path)
	return nil, nil
}

// Sweep removes stale and corrupt records under basePath and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context, basePath string) (int, error) {
	dir := m.Dir(basePath)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	unlock, err := m.guard(ctx, dir)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return m.sweepDir(dir), nil
}

// List returns the live records under basePath.
func (m *Manager) List(basePath string) ([]Record, error) {
	entries, err := os.ReadDir(m.Dir(basePath))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock dir: %w", err)
	}
	var out []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		if record, ok := m.readLive(filepath.Join(m.Dir(basePath), entry.Name())); ok {
			out = append(out, record)
		}
	}
	return out, nil
}

// sweepDir must run under the directory guard.
func (m *Manager) sweepDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), tempPrefix) {
			// Left behind by a claimant that died mid-create.
			_ = os.Remove(filepath.Join(dir, entry.Name()))
			continue
		}
		if !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, ok := m.readLive(path); ok {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
			m.logger.Info("removed stale lock", logging.String("lock_file", entry.Name()))
		}
	}
	return removed
}

// readLive parses the record at path and reports whether it is live.
func (m *Manager) readLive(path string) (Record, bool) {
	record, ok := m.readRecord(path)
	if !ok || m.now().Sub(record.AcquiredAt()) > m.staleAfter {
		return Record{}, false
	}
	return record, true
}

func (m *Manager) readRecord(path string) (Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil || record.TimestampMS <= 0 {
		return Record{}, false
	}
	return record, true
}

func (m *Manager) guard(ctx context.Context, dir string) (func(), error) {
	lock := flock.New(filepath.Join(dir, guardFileName))
	if ctx == nil {
		ctx = context.Background()
	}
	ok, err := lock.TryLockContext(ctx, guardRetry)
	if err != nil {
		return nil, fmt.Errorf("lock guard: %w", err)
	}
	if !ok {
		return nil, errors.New("lock guard unavailable")
	}
	return func() { _ = lock.Unlock() }, nil
}

func (m *Manager) recordPath(dir, filePath string) string {
	key := normalizeKey(filePath, !m.caseSensitive)
	sum := sha1.Sum([]byte(key))
	base := sanitize(filepath.Base(key))
	return filepath.Join(dir, base+"-"+hex.EncodeToString(sum[:])[:12]+lockSuffix)
}

// NormalizeKey returns the default canonical form of a path used for lock
// identity: cleaned, absolute, lower-case and NFC-normalized.
func NormalizeKey(filePath string) string {
	return normalizeKey(filePath, true)
}

func normalizeKey(filePath string, foldCase bool) string {
	cleaned := filepath.Clean(strings.TrimSpace(filePath))
	if abs, err := filepath.Abs(cleaned); err == nil {
		cleaned = abs
	}
	if foldCase {
		cleaned = strings.ToLower(cleaned)
	}
	return norm.NFC.String(cleaned)
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock record: %w", err)
	}
	return nil
}
