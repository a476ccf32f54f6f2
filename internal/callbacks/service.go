// Package callbacks notifies external followers when items they track
// reach a verdict. A follower subscribes to an origin with a callback
// URL; every approved item carrying that origin is delivered to the URL
// with retries, and the delivery state is persisted through the ledger
// so interrupted callbacks are re-driven after a restart.
package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/notarium/internal/ledger"
	"github.com/terminal-bench/notarium/pkg/items"
)

// Subscription tracks one follower's interest in an origin.
type Subscription struct {
	EnvironmentID int64        `json:"environment_id"`
	Origin        items.HashID `json:"origin"`
	URL           string       `json:"url"`
	ExpiresAt     time.Time    `json:"expires_at"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Config tunes delivery behavior.
type Config struct {
	// Attempts is how many deliveries are tried before the callback is
	// marked failed.
	Attempts int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// SubscriptionTTL bounds new subscriptions.
	SubscriptionTTL time.Duration

	// RequestTimeout caps a single HTTP delivery.
	RequestTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.SubscriptionTTL == 0 {
		c.SubscriptionTTL = 90 * 24 * time.Hour
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Service is the follower callback engine.
type Service struct {
	cfg    Config
	ledger ledger.Ledger
	client *http.Client

	mu   sync.RWMutex
	subs map[items.HashID][]*Subscription

	nextEnvID atomic.Int64

	resultCh chan items.Result
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewService(cfg Config, lg ledger.Ledger) *Service {
	cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		ledger:   lg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		subs:     make(map[items.HashID][]*Subscription),
		resultCh: make(chan items.Result, 64),
		stopCh:   make(chan struct{}),
	}
	s.nextEnvID.Store(time.Now().UnixNano())
	return s
}

// Start re-drives callbacks a crash left started and launches the
// delivery worker.
func (s *Service) Start(ctx context.Context) error {
	started, err := s.ledger.StartedCallbacks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load started callbacks: %w", err)
	}
	for _, record := range started {
		go s.redrive(ctx, record)
	}

	go s.processResults(ctx)
	return nil
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Follow creates a subscription and persists its environment so it can
// be inspected after restarts.
func (s *Service) Follow(ctx context.Context, origin items.HashID, url string) (*Subscription, error) {
	sub := &Subscription{
		EnvironmentID: s.nextEnvID.Add(1),
		Origin:        origin,
		URL:           url,
		ExpiresAt:     time.Now().Add(s.cfg.SubscriptionTTL),
		CreatedAt:     time.Now(),
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.SaveEnvironment(ctx, sub.EnvironmentID, payload); err != nil {
		return nil, fmt.Errorf("failed to persist subscription: %w", err)
	}

	s.mu.Lock()
	s.subs[origin] = append(s.subs[origin], sub)
	s.mu.Unlock()
	return sub, nil
}

// OnStateChange feeds one verdict into the delivery pipeline. Wired as
// a node state listener; never blocks the consensus path.
func (s *Service) OnStateChange(result items.Result) {
	select {
	case s.resultCh <- result:
	default:
		log.Printf("callbacks: dropping verdict for %s, queue full", result.ItemID.Short())
	}
}

func (s *Service) processResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case result := <-s.resultCh:
			if result.State != items.StateApproved {
				continue
			}
			for _, sub := range s.matching(result.ItemID) {
				s.deliver(ctx, sub, result)
			}
		}
	}
}

// matching returns live subscriptions for the item's origin. Items
// track their origin by id here: followers subscribe to the item id
// chains they care about.
func (s *Service) matching(origin items.HashID) []*Subscription {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs[origin] {
		if sub.ExpiresAt.After(now) {
			out = append(out, sub)
		}
	}
	return out
}

type callbackPayload struct {
	ItemID        items.HashID `json:"item_id"`
	State         items.State  `json:"state"`
	EnvironmentID int64        `json:"environment_id"`
	CreatedAt     time.Time    `json:"created_at"`
}

// deliver POSTs the verdict to the follower, tracking the attempt in
// the ledger so a crash mid-delivery is recoverable.
func (s *Service) deliver(ctx context.Context, sub *Subscription, result items.Result) {
	record := ledger.CallbackRecord{
		ID:            uuid.New().String(),
		EnvironmentID: sub.EnvironmentID,
		State:         ledger.CallbackStarted,
		ExpiresAt:     sub.ExpiresAt,
	}
	if err := s.ledger.AddCallback(ctx, record); err != nil {
		log.Printf("callbacks: cannot track delivery for %s: %v", result.ItemID.Short(), err)
		return
	}

	payload, err := json.Marshal(callbackPayload{
		ItemID:        result.ItemID,
		State:         result.State,
		EnvironmentID: sub.EnvironmentID,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return
	}

	state := ledger.CallbackFailed
	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(s.cfg.RetryDelay):
			}
		}
		if s.post(ctx, sub.URL, payload) {
			state = ledger.CallbackCompleted
			break
		}
	}
	if state == ledger.CallbackFailed && time.Now().After(sub.ExpiresAt) {
		state = ledger.CallbackExpired
	}

	if err := s.ledger.UpdateCallbackState(ctx, record.ID, state); err != nil {
		log.Printf("callbacks: cannot finish delivery %s: %v", record.ID, err)
	}
}

func (s *Service) post(ctx context.Context, url string, payload []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// redrive finishes a callback that was interrupted mid-delivery. The
// original verdict is reconstructed from the persisted environment.
func (s *Service) redrive(ctx context.Context, record ledger.CallbackRecord) {
	if time.Now().After(record.ExpiresAt) {
		s.ledger.UpdateCallbackState(ctx, record.ID, ledger.CallbackExpired)
		return
	}

	payload, err := s.ledger.GetEnvironment(ctx, record.EnvironmentID)
	if err != nil {
		log.Printf("callbacks: no environment %d for started callback %s", record.EnvironmentID, record.ID)
		s.ledger.UpdateCallbackState(ctx, record.ID, ledger.CallbackFailed)
		return
	}
	var sub Subscription
	if err := json.Unmarshal(payload, &sub); err != nil {
		s.ledger.UpdateCallbackState(ctx, record.ID, ledger.CallbackFailed)
		return
	}

	body, err := json.Marshal(callbackPayload{
		ItemID:        sub.Origin,
		State:         items.StateApproved,
		EnvironmentID: sub.EnvironmentID,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return
	}

	state := ledger.CallbackFailed
	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		if s.post(ctx, sub.URL, body) {
			state = ledger.CallbackCompleted
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryDelay):
		}
	}
	if err := s.ledger.UpdateCallbackState(ctx, record.ID, state); err != nil {
		log.Printf("callbacks: cannot finish redriven callback %s: %v", record.ID, err)
	}
}
