package downloads

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tunneldl/api/internal/events"
	"github.com/tunneldl/api/models"
	"golang.org/x/time/rate"
)

var (
	ErrVPNNotConnected = errors.New("VPN is not connected, reconnect or pick another exit node before downloading")
	ErrQueueFull       = errors.New("download queue is full, wait for running downloads to finish")
	ErrQueueCreate     = errors.New("could not record the download, check storage")
	ErrNotCancellable  = errors.New("download already finished")
	ErrNotFound        = errors.New("download not found")
	ErrInvalidURL      = errors.New("url must be an absolute http(s) URL")
	ErrStillActive     = errors.New("download is still active, cancel it first")
	ErrNotRetryable    = errors.New("only failed or cancelled downloads can be retried")
	ErrShuttingDown    = errors.New("download manager is shutting down")
)

const (
	cancelledMessage     = "cancelled by user"
	workerPanicMessage   = "internal worker error"
	maxScanLine          = 1 << 20
	persistTimeout       = 30 * time.Second
	probeCacheSize       = 32
	defaultProgressEvery = 250 * time.Millisecond
	defaultProgressDelta = 5.0
)

// VPNState gates job creation
type VPNState interface {
	IsConnected() bool
}

// History is the durable job log
type History interface {
	Append(ctx context.Context, d *models.Download) error
	List(ctx context.Context) ([]models.Download, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetCategory(ctx context.Context, id uuid.UUID, categoryID *uuid.UUID) error
	MarkInterrupted(ctx context.Context) (int64, error)
}

type Config struct {
	Workers       int
	MaxQueued     int
	DownloadsDir  string
	ProxyEndpoint string
	CookiesFile   string
	UserAgent     string
	CancelGrace   time.Duration
	// ProgressEvery is the minimum spacing of progress events for one job,
	// unless the percentage moved by at least ProgressDelta.
	ProgressEvery time.Duration
	ProgressDelta float64
}

func (c *Config) withDefaults() {
	if c.Workers < 1 {
		c.Workers = 2
	}
	if c.MaxQueued < 1 {
		c.MaxQueued = 100
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = defaultProgressEvery
	}
	if c.ProgressDelta <= 0 {
		c.ProgressDelta = defaultProgressDelta
	}
}

// SubmitOptions are the optional parts of a download request
type SubmitOptions struct {
	Format     string
	CategoryID *uuid.UUID
}

type job struct {
	d               models.Download
	proc            Process
	cancelRequested bool
	limiter         *rate.Limiter
	lastPublished   float64
	done            chan struct{}
}

// Manager owns the job queue and a fixed pool of workers. A job is mutated
// only by the worker that claimed it; Cancel merely flags it and signals the
// subprocess. Submit and Cancel never wait on subprocess I/O.
type Manager struct {
	cfg       Config
	runner    Runner
	vpn       VPNState
	history   History
	publisher events.Publisher

	mu     sync.Mutex
	jobs   map[uuid.UUID]*job
	queue  []uuid.UUID
	probes map[string]*models.MediaInfo
	closed bool

	wake    chan struct{}
	running atomic.Int32
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewManager(cfg Config, runner Runner, vpn VPNState, history History, publisher events.Publisher) *Manager {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		runner:    runner,
		vpn:       vpn,
		history:   history,
		publisher: publisher,
		jobs:      make(map[uuid.UUID]*job),
		probes:    make(map[string]*models.MediaInfo),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Load rehydrates job history. Jobs left queued or running by a previous
// process are marked failed first.
func (m *Manager) Load(ctx context.Context) error {
	n, err := m.history.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("mark interrupted downloads: %w", err)
	}
	if n > 0 {
		log.Printf("[Downloads] Marked %d interrupted downloads as failed", n)
	}

	past, err := m.history.List(ctx)
	if err != nil {
		return fmt.Errorf("load download history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range past {
		j := &job{d: d, done: make(chan struct{})}
		close(j.done)
		m.jobs[d.ID] = j
	}
	log.Printf("[Downloads] Loaded %d downloads from history", len(past))
	return nil
}

// Start launches the worker pool
func (m *Manager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	log.Printf("[Downloads] Started %d workers", m.cfg.Workers)
}

// Running returns how many jobs currently hold a worker slot
func (m *Manager) Running() int {
	return int(m.running.Load())
}

// Submit queues a download and returns immediately
func (m *Manager) Submit(ctx context.Context, rawURL string, opts SubmitOptions) (*models.Download, error) {
	if !m.vpn.IsConnected() {
		return nil, ErrVPNNotConnected
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(m.queue) >= m.cfg.MaxQueued {
		m.mu.Unlock()
		return nil, ErrQueueFull
	}
	m.mu.Unlock()

	d := models.Download{
		ID:              uuid.New(),
		URL:             u.String(),
		RequestedFormat: strings.TrimSpace(opts.Format),
		Status:          models.DownloadQueued,
		CategoryID:      opts.CategoryID,
		CreatedAt:       time.Now(),
	}
	if err := m.history.Append(ctx, &d); err != nil {
		log.Printf("[Downloads] Failed to record download: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrQueueCreate, err)
	}

	m.mu.Lock()
	if len(m.queue) >= m.cfg.MaxQueued {
		m.mu.Unlock()
		if err := m.history.Delete(context.Background(), d.ID); err != nil {
			log.Printf("[Downloads] Failed to roll back download %s: %v", d.ID, err)
		}
		return nil, ErrQueueFull
	}
	m.jobs[d.ID] = &job{
		d:       d,
		limiter: rate.NewLimiter(rate.Every(m.cfg.ProgressEvery), 1),
		done:    make(chan struct{}),
	}
	m.queue = append(m.queue, d.ID)
	m.mu.Unlock()

	m.signal()
	log.Printf("[Downloads] Queued %s (%s)", d.ID, d.URL)
	m.publish(events.TypeDownloadQueued, d)
	return &d, nil
}

// Cancel stops a job. Queued jobs are dropped before they ever run; running
// jobs get SIGTERM and, after the grace period, SIGKILL. Cancelling an
// already-cancelled job is a no-op.
func (m *Manager) Cancel(id uuid.UUID) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	switch j.d.Status {
	case models.DownloadCancelled:
		m.mu.Unlock()
		return nil
	case models.DownloadCompleted, models.DownloadFailed:
		m.mu.Unlock()
		return ErrNotCancellable
	case models.DownloadQueued:
		m.removeQueuedLocked(id)
		snap := m.finishLocked(j, models.DownloadCancelled, cancelledMessage)
		m.mu.Unlock()
		m.persist(snap)
		log.Printf("[Downloads] Cancelled queued %s", id)
		m.publish(events.TypeDownloadCancelled, snap)
		return nil
	}

	// Running
	if j.cancelRequested {
		m.mu.Unlock()
		return nil
	}
	j.cancelRequested = true
	proc := j.proc
	m.mu.Unlock()

	log.Printf("[Downloads] Cancelling running %s", id)
	if proc != nil {
		go m.terminate(j, proc)
	}
	return nil
}

// List returns snapshots of every job, most recent first
func (m *Manager) List() []models.Download {
	m.mu.Lock()
	out := make([]models.Download, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.d)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

func (m *Manager) Get(id uuid.UUID) (models.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Download{}, ErrNotFound
	}
	return j.d, nil
}

// Retry resubmits a failed or cancelled job as a new job and drops the old one
func (m *Manager) Retry(ctx context.Context, id uuid.UUID) (*models.Download, error) {
	old, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if old.Status != models.DownloadFailed && old.Status != models.DownloadCancelled {
		return nil, ErrNotRetryable
	}

	d, err := m.Submit(ctx, old.URL, SubmitOptions{Format: old.RequestedFormat, CategoryID: old.CategoryID})
	if err != nil {
		return nil, err
	}
	if err := m.Delete(ctx, id); err != nil {
		log.Printf("[Downloads] Failed to remove retried download %s: %v", id, err)
	}
	return d, nil
}

// Delete removes a finished job, its file and its share links
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !j.d.Status.IsTerminal() {
		m.mu.Unlock()
		return ErrStillActive
	}
	snap := j.d
	m.mu.Unlock()

	if err := m.history.Delete(ctx, id); err != nil {
		return err
	}
	if snap.OutputPath != "" {
		if err := os.Remove(snap.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[Downloads] Failed to remove file for %s: %v", id, err)
		}
	}

	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()

	m.publish(events.TypeDownloadDeleted, map[string]uuid.UUID{"id": id})
	return nil
}

// SetCategory files a job under a category (nil clears it). Category is
// organisational metadata and may change after the job finished.
func (m *Manager) SetCategory(ctx context.Context, id uuid.UUID, categoryID *uuid.UUID) (models.Download, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return models.Download{}, ErrNotFound
	}

	if err := m.history.SetCategory(ctx, id, categoryID); err != nil {
		return models.Download{}, err
	}

	m.mu.Lock()
	j.d.CategoryID = categoryID
	snap := j.d
	m.mu.Unlock()
	return snap, nil
}

// Formats probes a URL through the tunnel and lists its formats
func (m *Manager) Formats(ctx context.Context, rawURL string) (*models.MediaInfo, error) {
	if !m.vpn.IsConnected() {
		return nil, ErrVPNNotConnected
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	info, err := m.runner.Probe(ctx, m.invocation(u.String(), ""))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.probes) >= probeCacheSize {
		for k := range m.probes {
			delete(m.probes, k)
			break
		}
	}
	m.probes[u.String()] = info
	m.mu.Unlock()
	return info, nil
}

// Shutdown stops accepting work, terminates running downloads and waits
// for the workers to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var procs []*job
	for _, j := range m.jobs {
		if j.d.Status == models.DownloadRunning {
			j.cancelRequested = true
			procs = append(procs, j)
		}
	}
	m.mu.Unlock()

	m.cancel()
	for _, j := range procs {
		m.mu.Lock()
		proc := j.proc
		m.mu.Unlock()
		if proc != nil {
			go m.terminate(j, proc)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("[Downloads] All workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		j, ok := m.claim()
		if !ok {
			return
		}
		m.execute(j)
	}
}

// claim blocks until a queued job is available and moves it to running
func (m *Manager) claim() (*job, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		if len(m.queue) > 0 {
			id := m.queue[0]
			m.queue = m.queue[1:]
			if len(m.queue) > 0 {
				m.signal()
			}
			j := m.jobs[id]
			now := time.Now()
			j.d.Status = models.DownloadRunning
			j.d.StartedAt = &now
			m.running.Add(1)
			snap := j.d
			m.mu.Unlock()

			m.persist(snap)
			m.publish(events.TypeDownloadStarted, snap)
			return j, true
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.ctx.Done():
			return nil, false
		}
	}
}

func (m *Manager) execute(j *job) {
	defer m.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Downloads] Worker panic on %s: %v", j.d.ID, r)
			m.complete(j, models.DownloadFailed, workerPanicMessage)
		}
	}()

	m.mu.Lock()
	inv := m.invocation(j.d.URL, SelectorFor(m.probes[j.d.URL], j.d.RequestedFormat))
	inv.OutputTemplate = filepath.Join(m.cfg.DownloadsDir, j.d.ID.String()+".%(ext)s")
	cancelled := j.cancelRequested
	m.mu.Unlock()

	if cancelled {
		m.complete(j, models.DownloadCancelled, cancelledMessage)
		return
	}

	proc, err := m.runner.Start(m.ctx, inv)
	if err != nil {
		m.complete(j, models.DownloadFailed, fmt.Sprintf("failed to start downloader: %v", err))
		return
	}

	m.mu.Lock()
	j.proc = proc
	cancelled = j.cancelRequested
	m.mu.Unlock()
	if cancelled {
		go m.terminate(j, proc)
	}

	output := newTail(5)
	var destination string
	scanner := bufio.NewScanner(proc.Output())
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		output.Add(line)
		if p, ok := ParseProgress(line); ok {
			m.progress(j, p)
			continue
		}
		if path, ok := ParseDestination(line); ok {
			destination = path
			m.mu.Lock()
			j.d.Filename = filepath.Base(path)
			j.d.Title = TitleFromPath(path)
			m.mu.Unlock()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[Downloads] Output of %s unreadable: %v", j.d.ID, err)
		io.Copy(io.Discard, proc.Output())
	}

	code, waitErr := proc.Wait()

	m.mu.Lock()
	cancelled = j.cancelRequested
	m.mu.Unlock()

	switch {
	case cancelled:
		m.complete(j, models.DownloadCancelled, cancelledMessage)
	case waitErr == nil && code == 0:
		m.completeSuccess(j, destination)
	default:
		msg := output.Message()
		if msg == "" {
			msg = fmt.Sprintf("downloader exited with code %d", code)
		}
		if waitErr != nil {
			msg = fmt.Sprintf("%s (%v)", msg, waitErr)
		}
		m.complete(j, models.DownloadFailed, msg)
	}
}

// progress applies a parsed progress line and publishes it, throttled
func (m *Manager) progress(j *job, p Progress) {
	m.mu.Lock()
	if p.Percent < j.d.ProgressPercent {
		// Multi-stream downloads restart at 0% for the audio track.
		p.Percent = j.d.ProgressPercent
	}
	j.d.ProgressPercent = p.Percent
	j.d.Speed = p.Speed
	j.d.ETA = p.ETA
	if p.TotalBytes > 0 {
		j.d.Filesize = p.TotalBytes
	}
	publish := p.Percent-j.lastPublished >= m.cfg.ProgressDelta || p.Percent >= 100 || j.limiter.Allow()
	if publish {
		j.lastPublished = p.Percent
	}
	snap := j.d
	m.mu.Unlock()

	if publish {
		m.publish(events.TypeDownloadProgress, snap)
	}
}

func (m *Manager) completeSuccess(j *job, destination string) {
	path := m.resolveOutput(j.d.ID, destination)
	if path == "" {
		m.complete(j, models.DownloadFailed, "downloader finished but no output file was found")
		return
	}

	m.mu.Lock()
	j.d.OutputPath = path
	j.d.Filename = filepath.Base(path)
	if j.d.Title == "" {
		j.d.Title = TitleFromPath(path)
	}
	if info, err := os.Stat(path); err == nil {
		j.d.Filesize = info.Size()
	}
	m.mu.Unlock()

	m.complete(j, models.DownloadCompleted, "")
}

// resolveOutput finds the finished file, preferring the reported destination
func (m *Manager) resolveOutput(id uuid.UUID, destination string) string {
	if destination != "" {
		if !filepath.IsAbs(destination) {
			destination = filepath.Join(m.cfg.DownloadsDir, destination)
		}
		if _, err := os.Stat(destination); err == nil {
			return destination
		}
	}
	matches, _ := filepath.Glob(filepath.Join(m.cfg.DownloadsDir, id.String()+".*"))
	for _, match := range matches {
		if isPartialOutput(match) {
			continue
		}
		return match
	}
	return ""
}

var partialFormatRe = regexp.MustCompile(`\.f\d+\.[^.]+$`)

// isPartialOutput matches in-progress files and per-format streams awaiting merge
func isPartialOutput(path string) bool {
	switch filepath.Ext(path) {
	case ".part", ".ytdl", ".tmp":
		return true
	}
	return partialFormatRe.MatchString(path)
}

// complete moves a job to a terminal state, persists it and announces it
func (m *Manager) complete(j *job, status models.DownloadStatus, message string) {
	m.mu.Lock()
	if j.d.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	snap := m.finishLocked(j, status, message)
	m.mu.Unlock()

	m.persist(snap)
	log.Printf("[Downloads] %s %s", snap.ID, snap.Status)

	eventType := events.TypeDownloadFailed
	switch status {
	case models.DownloadCompleted:
		eventType = events.TypeDownloadCompleted
	case models.DownloadCancelled:
		eventType = events.TypeDownloadCancelled
	}
	m.publish(eventType, snap)
}

func (m *Manager) finishLocked(j *job, status models.DownloadStatus, message string) models.Download {
	now := time.Now()
	j.d.Status = status
	j.d.FinishedAt = &now
	j.d.ErrorMessage = message
	j.d.Speed = ""
	j.d.ETA = ""
	if status == models.DownloadCompleted {
		j.d.ProgressPercent = 100
	}
	j.proc = nil
	close(j.done)
	return j.d
}

// terminate escalates from SIGTERM to SIGKILL if the process outlives the grace period
func (m *Manager) terminate(j *job, proc Process) {
	if err := proc.Terminate(); err != nil {
		log.Printf("[Downloads] SIGTERM failed for %s: %v", j.d.ID, err)
	}
	timer := time.NewTimer(m.cfg.CancelGrace)
	defer timer.Stop()

	select {
	case <-j.done:
	case <-timer.C:
		log.Printf("[Downloads] %s ignored SIGTERM, killing", j.d.ID)
		if err := proc.Kill(); err != nil {
			log.Printf("[Downloads] SIGKILL failed for %s: %v", j.d.ID, err)
		}
	}
}

func (m *Manager) removeQueuedLocked(id uuid.UUID) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) invocation(rawURL, format string) Invocation {
	return Invocation{
		URL:           rawURL,
		Format:        format,
		ProxyEndpoint: m.cfg.ProxyEndpoint,
		CookiesFile:   m.cfg.CookiesFile,
		UserAgent:     m.cfg.UserAgent,
	}
}

func (m *Manager) persist(d models.Download) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.history.Append(ctx, &d); err != nil {
		log.Printf("[Downloads] Failed to persist %s: %v", d.ID, err)
	}
}

func (m *Manager) publish(eventType string, data interface{}) {
	if m.publisher != nil {
		m.publisher.Publish(events.Event{Type: eventType, Data: data})
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
