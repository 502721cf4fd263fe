package core

import (
	"time"
)

type JobState string

const (
	StatePending   JobState = "pending"
	StatePrinting  JobState = "printing"
	StatePrinted   JobState = "printed"
	StateFailed    JobState = "failed"
	StateAbandoned JobState = "abandoned"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == StatePrinted || s == StateAbandoned
}

type Language string

const (
	LanguageDE Language = "de"
	LanguageEN Language = "en"
)

func (l Language) Valid() bool {
	return l == LanguageDE || l == LanguageEN
}

// MaxTextLength bounds the job text in runes, after trimming.
const MaxTextLength = 500

// Job is a copy of a stored job. The store owns the live record; callers
// only ever see snapshots.
type Job struct {
	ID            int64      `json:"id"`
	Text          string     `json:"text"`
	Priority      int        `json:"priority"`
	Language      Language   `json:"language"`
	State         JobState   `json:"state"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RetryAt       *time.Time `json:"retry_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type Stats struct {
	Pending      int `json:"pending"`
	Printing     int `json:"printing"`
	Printed      int `json:"printed"`
	Failed       int `json:"failed"`
	Abandoned    int `json:"abandoned"`
	Total        int `json:"total"`
	PrintedToday int `json:"printed_today"`
	PrintedTotal int `json:"printed_total"`
}

// PrinterTarget describes the configured printer and what the most recent
// probe or delivery learned about it.
type PrinterTarget struct {
	Kind        string     `json:"kind"`
	Address     string     `json:"address"`
	Reachable   bool       `json:"reachable"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Powered     bool       `json:"powered"`
}

// Event is emitted after every delivery outcome.
type Event struct {
	Type      string    `json:"event"`
	Job       Job       `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventJobSubmitted = "job_submitted"
	EventJobPrinted   = "job_printed"
	EventJobFailed    = "job_failed"
	EventJobAbandoned = "job_abandoned"
)

// EventSink receives delivery events. Implementations must not block.
type EventSink interface {
	Publish(ev Event)
}

type multiSink []EventSink

func (m multiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// Sinks fans events out to every non-nil sink.
func Sinks(sinks ...EventSink) EventSink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
