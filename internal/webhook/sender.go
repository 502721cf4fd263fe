// Package webhook posts job delivery events to configured HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/core"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      JobData   `json:"data"`
}

type JobData struct {
	JobID     int64         `json:"job_id"`
	Text      string        `json:"text"`
	Priority  int           `json:"priority"`
	Language  core.Language `json:"language"`
	State     core.JobState `json:"state"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
}

type Options struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type endpoint struct {
	url    string
	secret string
	events map[string]bool
}

// wants reports whether the endpoint subscribed to event. An endpoint with
// no event list receives everything.
func (e endpoint) wants(event string) bool {
	return len(e.events) == 0 || e.events[event]
}

type task struct {
	endpoint endpoint
	id       string
	payload  Payload
}

// Sender delivers events through a bounded queue and a fixed worker pool.
// When the queue is full new events are dropped and logged.
type Sender struct {
	endpoints  []endpoint
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	log        *slog.Logger

	queue  chan task
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSender(hooks []config.WebhookConfig, opts Options, log *slog.Logger) *Sender {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	endpoints := make([]endpoint, 0, len(hooks))
	for _, h := range hooks {
		ep := endpoint{url: h.URL, secret: h.Secret, events: make(map[string]bool)}
		for _, ev := range h.Events {
			ep.events[ev] = true
		}
		endpoints = append(endpoints, ep)
	}

	return &Sender{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: opts.Timeout},
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
		workers:    opts.WorkerCount,
		log:        log,
		queue:      make(chan task, opts.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Publish implements core.EventSink.
func (s *Sender) Publish(ev core.Event) {
	if ev.Type == core.EventJobSubmitted {
		return
	}

	payload := Payload{
		Event:     ev.Type,
		Timestamp: ev.Timestamp,
		Data: JobData{
			JobID:     ev.Job.ID,
			Text:      ev.Job.Text,
			Priority:  ev.Job.Priority,
			Language:  ev.Job.Language,
			State:     ev.Job.State,
			Attempts:  ev.Job.Attempts,
			LastError: ev.Job.LastError,
		},
	}

	for _, ep := range s.endpoints {
		if !ep.wants(ev.Type) {
			continue
		}
		t := task{endpoint: ep, id: uuid.NewString(), payload: payload}
		select {
		case s.queue <- t:
		default:
			s.log.Warn("webhook queue full, dropping event", "url", ep.url, "event", ev.Type, "job_id", ev.Job.ID)
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.log.Warn("webhook delivery failed", "worker", id, "url", t.endpoint.url, "event", t.payload.Event, "error", err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t task) error {
	body, err := json.Marshal(t.payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.retryCount; attempt++ {
		err := s.sendRequest(t, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var herr *httpError
		if errors.As(err, &herr) && herr.clientError() {
			return err
		}

		if attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(attempt-1))
			s.log.Debug("retrying webhook", "attempt", attempt, "url", t.endpoint.url, "delay", backoff, "error", err)
			select {
			case <-s.stopCh:
				return errors.New("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(t task, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, t.payload.Event)
	req.Header.Set(HeaderDelivery, t.id)
	if t.endpoint.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, t.endpoint.secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body, as sent in HeaderSignature.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type httpError struct {
	StatusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http error: %d", e.StatusCode)
}

func (e *httpError) clientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
