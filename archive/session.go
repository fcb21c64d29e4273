// Package archive holds the state shared by the historical crawler and the live event router.
package archive

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"discord-archiver/database"
	"discord-archiver/metrics"
	"discord-archiver/models"
	"discord-archiver/normalizer"
	"discord-archiver/storage"

	"go.uber.org/zap"
)

// Record sources, used as metric labels.
const (
	SourceCrawl = "crawl"
	SourceLive  = "live"
)

// Session is the explicit archiver state: the store, the one-shot crawl flag,
// the set of channels visited by the crawl, and the current phase.
type Session struct {
	store   *database.Store
	mirror  storage.Mirror
	metrics *metrics.Metrics
	log     *zap.Logger

	initialized atomic.Bool
	crawling    atomic.Bool

	mu        sync.RWMutex
	scanned   map[int64]struct{}
	phase     Phase
	runID     string
	startedAt time.Time
	listeners []func(PhaseChange)
}

// NewSession creates a session in the Idle phase. mirror may be nil.
func NewSession(store *database.Store, mirror storage.Mirror, m *metrics.Metrics, log *zap.Logger) *Session {
	if mirror == nil {
		mirror = storage.NopMirror{}
	}
	m.SetPhase(string(Idle))
	return &Session{
		store:   store,
		mirror:  mirror,
		metrics: m,
		log:     log,
		scanned: make(map[int64]struct{}),
		phase:   Idle,
	}
}

func (s *Session) Store() *database.Store { return s.store }

func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

func (s *Session) Logger() *zap.Logger { return s.log }

// Begin claims the one-shot crawl. Only the first call returns true.
func (s *Session) Begin(runID string) bool {
	if !s.initialized.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	s.runID = runID
	s.startedAt = time.Now()
	s.mu.Unlock()
	return true
}

// Initialized reports whether the crawl has been claimed.
func (s *Session) Initialized() bool {
	return s.initialized.Load()
}

// TryAcquire marks counter work as running. It fails while another crawl or refresh holds it.
func (s *Session) TryAcquire() bool {
	return s.crawling.CompareAndSwap(false, true)
}

// Release ends the work started by TryAcquire.
func (s *Session) Release() {
	s.crawling.Store(false)
}

// MarkScanned records that the crawl visited a channel.
func (s *Session) MarkScanned(channelID int64) {
	s.mu.Lock()
	s.scanned[channelID] = struct{}{}
	s.mu.Unlock()
}

// UnmarkScanned removes a channel whose history could not be read.
func (s *Session) UnmarkScanned(channelID int64) {
	s.mu.Lock()
	delete(s.scanned, channelID)
	s.mu.Unlock()
}

// IsScanned reports whether live messages from a channel should be archived.
func (s *Session) IsScanned(channelID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scanned[channelID]
	return ok
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// OnPhase registers fn to be called after every phase change.
func (s *Session) OnPhase(fn func(PhaseChange)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Transition moves the session to another phase.
func (s *Session) Transition(to Phase) error {
	s.mu.Lock()
	from := s.phase
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.phase = to
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.metrics.SetPhase(string(to))
	for _, fn := range listeners {
		fn(PhaseChange{From: from, To: to})
	}
	return nil
}

// Archive normalizes a message and stores the resulting rows. A record whose
// id is already stored is skipped. Mirror failures are only logged.
func (s *Session) Archive(ctx context.Context, raw models.RawMessage, source string) error {
	res := normalizer.Normalize(raw)
	if res.Empty() {
		return nil
	}

	if err := s.store.SaveRecord(ctx, res.Message, res.Attachment); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			s.metrics.RecordDuplicate()
			s.log.Debug("Skipping already archived message", zap.Int64("message_id", raw.ID), zap.Error(err))
			return nil
		}
		return err
	}
	s.metrics.RecordArchived(source, res.Message != nil, res.Attachment != nil)

	if res.Attachment != nil {
		err := s.mirror.Put(ctx, *res.Attachment)
		if _, nop := s.mirror.(storage.NopMirror); !nop {
			s.metrics.RecordMirrorUpload(err)
		}
		if err != nil {
			s.log.Warn("Failed to mirror attachment", zap.Int64("message_id", raw.ID), zap.String("url", res.Attachment.URL), zap.Error(err))
		}
	}
	return nil
}

// Wipe deletes every archived row of a community and its mirrored attachments.
// Mirror failures are only logged.
func (s *Session) Wipe(ctx context.Context, serverID int64) error {
	if err := s.store.WipeServer(ctx, serverID); err != nil {
		return err
	}
	if err := s.mirror.Purge(ctx, serverID); err != nil {
		s.log.Warn("Failed to purge mirrored attachments", zap.Int64("server_id", serverID), zap.Error(err))
	}
	return nil
}

// Forget deletes the stored rows of a message and its mirrored attachment.
func (s *Session) Forget(ctx context.Context, serverID, channelID, messageID int64) error {
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.metrics.RecordDeleted()

	if err := s.mirror.Remove(ctx, serverID, channelID, messageID); err != nil {
		s.log.Warn("Failed to remove mirrored attachment", zap.Int64("message_id", messageID), zap.Error(err))
	}
	return nil
}

// Status is a point-in-time view of the session.
type Status struct {
	Phase           Phase     `json:"phase"`
	RunID           string    `json:"run_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	Initialized     bool      `json:"initialized"`
	ScannedChannels int       `json:"scanned_channels"`
	Messages        int64     `json:"messages"`
	Attachments     int64     `json:"attachments"`
}

// Snapshot returns the current status, including archive row totals.
func (s *Session) Snapshot(ctx context.Context) (Status, error) {
	s.mu.RLock()
	st := Status{
		Phase:           s.phase,
		RunID:           s.runID,
		StartedAt:       s.startedAt,
		Initialized:     s.initialized.Load(),
		ScannedChannels: len(s.scanned),
	}
	s.mu.RUnlock()

	var err error
	st.Messages, st.Attachments, err = s.store.ArchiveTotals(ctx)
	return st, err
}
