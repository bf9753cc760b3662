package mongoclaw

import "errors"

// ErrorTag is the taxonomy tag every terminal state maps to (spec.md §7).
type ErrorTag string

const (
	TagConfigurationError  ErrorTag = "configuration_error"
	TagFilterError         ErrorTag = "filter_error"
	TagModelTimeout        ErrorTag = "model_timeout"
	TagModelRateLimited    ErrorTag = "model_rate_limited"
	TagModel5xx            ErrorTag = "model_5xx"
	TagModel4xx            ErrorTag = "model_4xx"
	TagParseError          ErrorTag = "parse_error"
	TagWriteConflict       ErrorTag = "write_conflict"
	TagTransientWriteError ErrorTag = "transient_write_error"
	TagAgentGone           ErrorTag = "agent_gone"
	TagQuarantined         ErrorTag = "quarantined"
)

// Disposition is what the pipeline does with an item carrying a given tag.
type Disposition int

const (
	// DispositionSkipAck records the item skipped and acks it immediately.
	DispositionSkipAck Disposition = iota
	// DispositionRetry nacks with backoff; attempt increments on redelivery.
	DispositionRetry
	// DispositionRetryElongated is DispositionRetry with a longer backoff.
	DispositionRetryElongated
	// DispositionDLQ sends the item straight to the dead-letter stream.
	DispositionDLQ
	// DispositionCompletedNoWrite records the item completed, written=false.
	DispositionCompletedNoWrite
	// DispositionNackNoAttempt nacks without incrementing the attempt counter.
	DispositionNackNoAttempt
)

// dispositions is the fixed tag -> disposition table from spec.md §7.
var dispositions = map[ErrorTag]Disposition{
	TagConfigurationError:  DispositionSkipAck,
	TagFilterError:         DispositionSkipAck,
	TagModelTimeout:        DispositionRetry,
	TagModelRateLimited:    DispositionRetryElongated,
	TagModel5xx:            DispositionRetry,
	TagModel4xx:            DispositionDLQ,
	TagParseError:          DispositionRetry,
	TagWriteConflict:       DispositionCompletedNoWrite,
	TagTransientWriteError: DispositionRetry,
	TagAgentGone:           DispositionSkipAck,
	TagQuarantined:         DispositionNackNoAttempt,
}

// DispositionFor returns the fixed disposition for an error tag. Every tag
// maps to exactly one disposition; an unknown tag is a programming error.
func DispositionFor(tag ErrorTag) Disposition {
	d, ok := dispositions[tag]
	if !ok {
		return DispositionDLQ
	}
	return d
}

// Outcome threads a tagged result through worker steps 3-8, the Go
// rendering of DESIGN NOTES §9's "tagged Result<Outcome, ErrorTag>" (Go has
// no generic Result type with checked exceptions, so an ordinary struct
// returned alongside an error plays the same role).
type Outcome struct {
	Tag ErrorTag
	Err error
}

func (o *Outcome) Error() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return string(o.Tag)
}

// NewOutcome builds an Outcome for a given tag/error pair.
func NewOutcome(tag ErrorTag, err error) *Outcome {
	return &Outcome{Tag: tag, Err: err}
}

var (
	ErrEmptyOperations        = errors.New("mongoclaw: agent.watch.operations must be non-empty")
	ErrTargetFieldNotTopLevel = errors.New("mongoclaw: write.target_field must be a single top-level field for merge strategy")
	ErrMissingProviderOrModel = errors.New("mongoclaw: ai.provider and ai.model are required")
	ErrNegativeMaxRetries     = errors.New("mongoclaw: execution.max_retries must be >= 0")
	ErrAgentDisabled          = errors.New("mongoclaw: agent is disabled")
	ErrAgentNotFound          = errors.New("mongoclaw: agent not found")
	ErrQuarantined            = errors.New("mongoclaw: agent is quarantined")
)
