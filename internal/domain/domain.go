package domain

import (
	"errors"
	"time"
)

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusRetrying  TaskStatus = "retrying"
)

func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusQueued:   {StatusRunning},
	StatusRunning:  {StatusSucceeded, StatusFailed, StatusRetrying},
	StatusRetrying: {StatusQueued, StatusFailed},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

const (
	DefaultMinConfidence = 0.8
	DefaultTimeout       = 300 * time.Second
	DefaultMaxRetries    = 3
	DefaultBatchSize     = 10
	DefaultLanguage      = "eng"
)

type Settings struct {
	MinConfidence float64       `json:"min_confidence" yaml:"min_confidence"`
	DetectRegions bool          `json:"detect_regions" yaml:"detect_regions"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	Language      string        `json:"language" yaml:"language"`
}

func DefaultSettings() Settings {
	return Settings{
		MinConfidence: DefaultMinConfidence,
		DetectRegions: true,
		Timeout:       DefaultTimeout,
		MaxRetries:    DefaultMaxRetries,
		BatchSize:     DefaultBatchSize,
		Language:      DefaultLanguage,
	}
}

// Normalize fills zero values from defaults and clamps out-of-range ones.
// A zero Settings means none were given and takes the defaults whole.
// MinConfidence 0 is kept: it turns review flagging off.
// MaxRetries bounds the total number of attempts, so it is at least 1.
func (s Settings) Normalize(defaults Settings) Settings {
	if s == (Settings{}) {
		s = defaults
	}
	if !(s.MinConfidence >= 0 && s.MinConfidence <= 1) {
		s.MinConfidence = defaults.MinConfidence
	}
	if !(s.MinConfidence >= 0 && s.MinConfidence <= 1) {
		s.MinConfidence = DefaultMinConfidence
	}
	if s.Timeout <= 0 {
		s.Timeout = defaults.Timeout
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = defaults.MaxRetries
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 1
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaults.BatchSize
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 1
	}
	if s.Language == "" {
		s.Language = defaults.Language
	}
	if s.Language == "" {
		s.Language = DefaultLanguage
	}
	return s
}

type Task struct {
	ID string `json:"id"`

	Status TaskStatus `json:"status"`

	Fingerprint string   `json:"fingerprint"`
	ImageRef    string   `json:"image_ref"`
	Priority    int      `json:"priority"`
	Settings    Settings `json:"settings"`

	Attempts        int    `json:"attempts"`
	CancelRequested bool   `json:"cancel_requested"`
	Error           string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CreateTaskParams struct {
	Fingerprint string
	ImageRef    string
	Priority    int
	Settings    Settings

	TTL time.Duration
}

type SubmitRequest struct {
	Fingerprint string
	ImageRef    string
	Priority    int
	Settings    Settings
}

type SubmitResponse struct {
	TaskID    string            `json:"id"`
	Status    TaskStatus        `json:"status"`
	Duplicate bool              `json:"duplicate"`
	Result    *ProcessingResult `json:"result,omitempty"`
}

type StatusResponse struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	ResultURL string     `json:"result_url,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskNotClaimable  = errors.New("task is not claimable")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskCancelled     = errors.New("task cancelled")
	ErrTaskTerminal      = errors.New("task already finished")
	ErrResultNotFound    = errors.New("result not found")
	ErrResultNotReady    = errors.New("result not ready")
	ErrResultImmutable   = errors.New("result already stored for terminal task")
	ErrBlobNotFound      = errors.New("file not found")
	ErrEmptyFingerprint  = errors.New("empty fingerprint")
)
