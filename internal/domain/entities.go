// Package domain defines the entities, ports and error taxonomy shared by
// every component of the extraction platform. It depends only on the standard
// library; adapters translate to and from storage and wire formats.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamPermanent   = errors.New("upstream permanent")
	ErrJobTerminal         = errors.New("job terminal")
	ErrCapacityDenied      = errors.New("capacity denied")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInternal            = errors.New("internal error")
)

// Retryable reports whether a later attempt at the failed operation could
// succeed. Errors outside the taxonomy count as programmer errors and are
// terminal.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamRateLimit),
		errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrStoreUnavailable):
		return true
	}
	return false
}

// Environment identifies one logical queue partition with its own credentials
// and data.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Status is a job's lifecycle state. The numeric codes are the storage and
// wire contract (status_id column) and must never change.
type Status int16

const (
	StatusPending        Status = 1
	StatusProcessing     Status = 2
	StatusExtractionDone Status = 3
	StatusError          Status = 4
	StatusOCRDone        Status = 5
	StatusOCRProcessing  Status = 6
)

// StatusFromCode translates a stored status_id into the closed Status type.
func StatusFromCode(code int16) (Status, error) {
	s := Status(code)
	switch s {
	case StatusPending, StatusProcessing, StatusExtractionDone, StatusError, StatusOCRDone, StatusOCRProcessing:
		return s, nil
	}
	return 0, fmt.Errorf("status code %d: %w", code, ErrInvalidArgument)
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusExtractionDone:
		return "extraction_done"
	case StatusError:
		return "error"
	case StatusOCRDone:
		return "ocr_done"
	case StatusOCRProcessing:
		return "ocr_processing"
	}
	return fmt.Sprintf("status(%d)", int16(s))
}

// Terminal reports whether no further transition can leave s.
// EXTRACTION_DONE is terminal only for kinds that carry no OCR stage.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusOCRDone
}

// Kind tags a job with the executor that handles it.
type Kind string

const (
	KindExtraction Kind = "extraction"
	KindOCRIndex   Kind = "ocr_index"
	KindOCRActe    Kind = "ocr_acte"
	KindREQ        Kind = "req"
	KindRDPRM      Kind = "rdprm"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindExtraction, KindOCRIndex, KindOCRActe, KindREQ, KindRDPRM}
}

// OCRKinds lists the kinds that carry an OCR stage.
func OCRKinds() []Kind {
	return []Kind{KindOCRIndex, KindOCRActe}
}

// ParseKind validates a stored kind code.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	switch k {
	case KindExtraction, KindOCRIndex, KindOCRActe, KindREQ, KindRDPRM:
		return k, nil
	}
	return "", fmt.Errorf("kind %q: %w", s, ErrInvalidArgument)
}

// OCRCapable reports whether jobs of this kind go through the OCR pipeline
// after extraction.
func (k Kind) OCRCapable() bool {
	return k == KindOCRIndex || k == KindOCRActe
}

// Source describes where a job's document comes from: the registry document
// type, its number, and kind-specific parameters.
type Source struct {
	DocType   string
	DocNumber string
	Params    map[string]any
}

// Job is one unit of work in an environment's extraction queue.
type Job struct {
	ID          string
	Environment Environment
	Kind        Kind
	Status      Status
	Source      Source

	WorkerID            *string
	Attempts            int
	MaxAttempts         int
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	LastError           *string
	LastErrorAt         *time.Time

	OCRAttempts  int
	OCRWorkerID  *string
	OCRStartedAt *time.Time

	ArtifactPath *string
	RawText      *string
	BoostedText  *string

	CreatedAt time.Time
}

// DefaultMaxAttempts is the retry budget applied when a job is enqueued
// without an explicit one.
const DefaultMaxAttempts = 3

// Phase distinguishes the extraction stage of a job's life from its OCR
// stage; report and claim operations are phase-specific.
type Phase string

const (
	PhaseExtraction Phase = "extraction"
	PhaseOCR        Phase = "ocr"
)

// Outcome carries the fields written when a phase succeeds. WorkerID must be
// the claim owner; reports from a worker that lost the claim are dropped.
// Warning, when non-empty, lands in last_error without failing the job
// (partial page failures are reported this way).
type Outcome struct {
	Phase        Phase
	WorkerID     string
	ArtifactPath string
	RawText      string
	BoostedText  string
	Warning      string
}

// Failure carries the fields written when a phase fails. Retryable failures
// send the job back to the phase's pending state while attempts remain.
type Failure struct {
	Phase     Phase
	WorkerID  string
	Message   string
	Retryable bool
}

// WorkerState is a worker's lifecycle state as published in worker_status.
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerBusy     WorkerState = "busy"
	WorkerDraining WorkerState = "draining"
	WorkerOffline  WorkerState = "offline"
)

// Worker is one liveness row: a long-lived processing unit that owns at most
// one job at a time.
type Worker struct {
	ID            string
	State         WorkerState
	Kinds         []Kind
	CurrentJobID  *string
	LastHeartbeat time.Time
	JobsCompleted int
	JobsFailed    int
	StartedAt     time.Time
}

// Gateway is the typed port over the queue backing stores, one logical queue
// per environment. Claims are atomic: concurrent claimers against one pending
// job see exactly one winner. Absent work is (nil, nil), never an error.
type Gateway interface {
	Environments() []Environment
	Enqueue(ctx Context, env Environment, kind Kind, src Source, maxAttempts int) (string, error)
	ClaimNext(ctx Context, env Environment, workerID string, kinds []Kind) (*Job, error)
	ClaimNextOCR(ctx Context, env Environment, workerID string) (*Job, error)
	ReportSuccess(ctx Context, env Environment, jobID string, out Outcome) error
	ReportFailure(ctx Context, env Environment, jobID string, f Failure) error
	Get(ctx Context, env Environment, jobID string) (Job, error)
	CountByStatus(ctx Context, env Environment) (map[Status]int64, error)
	Heartbeat(ctx Context, env Environment, w Worker) error
	MarkOffline(ctx Context, env Environment, workerID string) error
	ListWorkers(ctx Context, env Environment) ([]Worker, error)
	ResetStalled(ctx Context, env Environment, processingAge, ocrAge time.Duration) (int64, error)
	EvictDeadWorkers(ctx Context, env Environment, age time.Duration) ([]string, error)
}

// ArtifactStore is the blob-storage port. Paths are bucket-relative or fully
// qualified; implementations normalize.
type ArtifactStore interface {
	Fetch(ctx Context, path string) ([]byte, error)
	Put(ctx Context, path string, data []byte, contentType string) (string, error)
}

// PageImage is one rasterized PDF page, the atomic unit of OCR parallelism.
type PageImage struct {
	Page int
	PNG  []byte
}

// VisionModel is the port for image-reading model calls.
type VisionModel interface {
	Name() string
	CountLines(ctx Context, img PageImage) (int, error)
	ExtractRows(ctx Context, img PageImage, lineCount int) (string, error)
}

// TextModel is the port for the boost pass over extracted text.
type TextModel interface {
	Name() string
	Boost(ctx Context, raw string) (string, error)
}

// RateLimiter guards upstream API budgets. TryAcquire is non-blocking: it
// either spends from every relevant bucket or from none, and on denial
// suggests the soonest delay that would satisfy all of them.
type RateLimiter interface {
	TryAcquire(ctx Context, api string, costRequests, costTokens int64) (bool, time.Duration, error)
}

// ResourceProfile is the fixed CPU/RAM cost of one worker.
type ResourceProfile struct {
	CPUUnits float64
	RAMGB    float64
}

// CapacityManager admits workers first-come-first-served against the
// configured ceilings. Denials wrap ErrCapacityDenied.
type CapacityManager interface {
	Admit(ctx Context, workerID string, p ResourceProfile) error
	Release(ctx Context, workerID string) error
}

// Extractor produces a stored artifact for one claimed extraction job.
// Concrete registry automations are wired in at startup via a kind map.
type Extractor interface {
	Run(ctx Context, job Job) (artifactPath string, err error)
}

// Context is an alias so ports stay readable; adapters pass context.Context
// straight through.
type Context = context.Context
