package audit

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/nimathing2052/HGPU/internal/database"
	"github.com/nimathing2052/HGPU/internal/logutil"
)

// Event types.
const (
	EventLogin         = "login"
	EventLoginFailed   = "login_failed"
	EventLogout        = "logout"
	EventStop          = "stop"
	EventReaped        = "reaped"
	EventTunnelOpen    = "tunnel_open"
	EventTunnelClose   = "tunnel_close"
	EventLeakCandidate = "leak_candidate"
	EventContainer     = "container"
	EventShutdown      = "shutdown"
)

// DefaultRetentionDays is the default number of days to keep audit rows.
const DefaultRetentionDays = 90

const defaultQueueSize = 256

// Entry contains the fields of one audit record.
type Entry struct {
	SessionID string
	Username  string
	EventType string
	Outcome   string
	SourceIP  string
	Details   string
	Duration  time.Duration
}

// Auditor writes audit records to the database and the standard logger.
// Record queues writes so that callers on the teardown path never wait on
// the database; Log writes synchronously.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time

	queue     chan database.SessionEvent
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// New creates an Auditor and starts its background writer. If
// retentionDays is 0, DefaultRetentionDays is used.
func New(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	a := &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		queue:         make(chan database.SessionEvent, defaultQueueSize),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go a.writer()
	return a
}

func toRecord(e Entry) database.SessionEvent {
	return database.SessionEvent{
		SessionID:  e.SessionID,
		Username:   e.Username,
		EventType:  e.EventType,
		Outcome:    e.Outcome,
		SourceIP:   e.SourceIP,
		Details:    e.Details,
		DurationMs: e.Duration.Milliseconds(),
	}
}

func logEntry(e Entry) {
	log.Printf("[audit] %s session=%s user=%s outcome=%s ip=%s details=%s",
		e.EventType,
		e.SessionID,
		logutil.SanitizeForLog(e.Username),
		e.Outcome,
		e.SourceIP,
		logutil.SanitizeForLog(e.Details),
	)
}

// Log records an event synchronously.
func (a *Auditor) Log(e Entry) error {
	rec := toRecord(e)
	if err := a.db.Create(&rec).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}
	logEntry(e)
	return nil
}

// Record queues an event. When the queue is full the row is dropped (the
// log line is still written) rather than blocking the caller.
func (a *Auditor) Record(e Entry) {
	logEntry(e)
	select {
	case <-a.done:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.queue <- toRecord(e):
	default:
		a.dropped.Add(1)
	}
}

// Dropped is the number of queued records that were never written.
func (a *Auditor) Dropped() int64 { return a.dropped.Load() }

func (a *Auditor) writer() {
	defer close(a.stopped)
	for {
		select {
		case rec := <-a.queue:
			if err := a.db.Create(&rec).Error; err != nil {
				log.Printf("[audit] failed to write audit log: %v", err)
			}
		case <-a.done:
			// Drain what is already queued.
			for {
				select {
				case rec := <-a.queue:
					if err := a.db.Create(&rec).Error; err != nil {
						log.Printf("[audit] failed to write audit log: %v", err)
					}
				default:
					return
				}
			}
		}
	}
}

// Flush waits until the queue is empty or timeout passes.
func (a *Auditor) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for len(a.queue) > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

// Close stops the writer after it drains the queue, waiting at most
// timeout for the drain.
func (a *Auditor) Close(timeout time.Duration) {
	a.closeOnce.Do(func() {
		start := time.Now()
		a.Flush(timeout)
		close(a.done)
		select {
		case <-a.stopped:
		case <-time.After(max(timeout-time.Since(start), 0)):
			log.Printf("[audit] writer did not stop within %s", timeout)
		}
	})
}

// SaveShutdown persists the summary of a bulk teardown.
func (a *Auditor) SaveShutdown(run database.ShutdownRun) error {
	if err := a.db.Create(&run).Error; err != nil {
		log.Printf("[audit] failed to write shutdown run: %v", err)
		return err
	}
	return nil
}

// QueryOptions specifies filters for retrieving audit rows.
type QueryOptions struct {
	SessionID string
	Username  string
	EventType string
	Since     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit rows and pagination metadata.
type QueryResult struct {
	Entries []database.SessionEvent `json:"entries"`
	Total   int64                   `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// Query retrieves audit rows matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.SessionEvent{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.SessionEvent
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan removes rows older than days (the retention period when
// days is 0) and returns how many were deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionEvent{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int { return a.retentionDays }

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) { a.nowFn = fn }
