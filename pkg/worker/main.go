package worker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/batch"
	"github.com/instill-ai/execution-backend/pkg/event"
	"github.com/instill-ai/execution-backend/pkg/progress"
	"github.com/instill-ai/execution-backend/pkg/router"
	"github.com/instill-ai/execution-backend/pkg/store"
)

// Task queues (lanes). The general and API deployment lanes run the
// orchestration workflow; their names are defined by the router lanes.
const (
	RouterTaskQueue         = router.TaskQueue
	FileProcessingTaskQueue = "file-processing"
	CallbackTaskQueue       = "execution-callback"
)

const (
	laneGeneral       = string(router.LaneGeneral)
	laneAPIDeployment = string(router.LaneAPIDeployment)
)

// TaskQueues lists every lane served by the worker binary.
var TaskQueues = []string{
	RouterTaskQueue,
	router.LaneGeneral.TaskQueue(),
	router.LaneAPIDeployment.TaskQueue(),
	FileProcessingTaskQueue,
	CallbackTaskQueue,
}

// ActivityTimeoutStandard is timeout for store and cache activities.
// ActivityTimeoutBatchMargin is added to the file timeouts of a batch.
const (
	ActivityTimeoutStandard    = 5 * time.Minute
	ActivityTimeoutBatchMargin = 5 * time.Minute
)

// RetryInitialInterval, RetryBackoffCoefficient, RetryMaximumInterval and
// RetryMaximumAttempts control the Temporal retry of activities. They apply
// on top of the in-process retries of the store client.
const (
	RetryInitialInterval    = 1 * time.Second
	RetryBackoffCoefficient = 2.0
	RetryMaximumInterval    = 30 * time.Second
	RetryMaximumAttempts    = 3
)

// TerminalRetryMaximumInterval and TerminalRetryMaximumAttempts control the
// Temporal retry of the activities storing a terminal status. The schedule
// spans more than 10 minutes, past the default circuit breaker cooldown.
const (
	TerminalRetryMaximumInterval = 2 * time.Minute
	TerminalRetryMaximumAttempts = 12
)

// DefaultFileTimeout is used to size the batch activity timeout when none
// is configured.
const DefaultFileTimeout = 10 * time.Minute

// Config defines the configuration for the worker
type Config struct {
	Store       store.Client
	Progress    progress.Cache
	Processor   batch.FileProcessor
	Coordinator *batch.Coordinator
	Resolver    *router.Resolver
	Publisher   event.Publisher

	BatchSize   int
	FileTimeout time.Duration
	// BatchActivityRetries is the number of Temporal retries of a failed
	// batch job.
	BatchActivityRetries int32
	ErrorMessageLength   int
}

// Worker implements the Temporal worker with all workflows and activities
type Worker struct {
	store       store.Client
	progress    progress.Cache
	processor   batch.FileProcessor
	coordinator *batch.Coordinator
	resolver    *router.Resolver
	publisher   event.Publisher

	batchSize            int
	fileTimeout          time.Duration
	batchActivityRetries int32
	errorMessageLength   int

	log *zap.Logger
}

// New creates a new worker instance
func New(config Config, log *zap.Logger) (*Worker, error) {
	if config.Store == nil || config.Progress == nil || config.Processor == nil {
		return nil, fmt.Errorf("worker requires a store, a progress cache and a file processor")
	}

	w := &Worker{
		store:                config.Store,
		progress:             config.Progress,
		processor:            config.Processor,
		coordinator:          config.Coordinator,
		resolver:             config.Resolver,
		publisher:            config.Publisher,
		batchSize:            batch.ClampSize(config.BatchSize),
		fileTimeout:          config.FileTimeout,
		batchActivityRetries: config.BatchActivityRetries,
		errorMessageLength:   config.ErrorMessageLength,
		log:                  log,
	}

	if w.coordinator == nil {
		w.coordinator = batch.NewCoordinator(config.Store, log)
	}
	if w.fileTimeout <= 0 {
		w.fileTimeout = DefaultFileTimeout
	}
	if w.errorMessageLength <= 0 {
		w.errorMessageLength = store.ErrorMessageLength
	}
	if w.batchActivityRetries < 0 {
		w.batchActivityRetries = 0
	}

	return w, nil
}
