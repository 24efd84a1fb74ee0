package orchestrator

// #region imports
import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
)

// #endregion

// #region config

// DefaultGlucoseLimit caps the glucose readings handed to a stage (one day
// of five-minute readings).
const DefaultGlucoseLimit = 288

const writeQueue = 64

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Runner   script.Runner
	Scripts  Scripts
	History  History
	Settings Settings
	Resolver Resolver
	RunLog   *sql.DB // nil disables the run log
	Logger   *zap.Logger

	MicroBolusAllowed bool
	GlucoseLimit      int
	Now               func() time.Time
}

// #endregion

// #region orchestrator-struct

// Orchestrator runs pipeline operations one at a time on a single worker
// goroutine. Persistence writes are handed to a second, serialized writer
// goroutine; each job starts only after every earlier write has landed, so a
// job always reads what the previous one saved.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	jobs   chan func()
	writes chan func()

	pendingMu sync.Mutex
	idle      *sync.Cond
	pending   int

	closing    chan struct{}
	closeOnce  sync.Once
	workerDone chan struct{}
	writerDone chan struct{}
}

// #endregion

// #region constructor

// New starts the worker and writer goroutines. Call Close to stop them.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.GlucoseLimit <= 0 {
		cfg.GlucoseLimit = DefaultGlucoseLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{
		cfg:        cfg,
		logger:     cfg.Logger.Named("orch"),
		jobs:       make(chan func()),
		writes:     make(chan func(), writeQueue),
		closing:    make(chan struct{}),
		workerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	o.idle = sync.NewCond(&o.pendingMu)
	go o.work()
	go o.write()
	return o
}

// #endregion

// #region worker

func (o *Orchestrator) work() {
	defer close(o.workerDone)
	for {
		select {
		case job := <-o.jobs:
			o.Sync()
			job()
		case <-o.closing:
			return
		}
	}
}

func (o *Orchestrator) write() {
	defer close(o.writerDone)
	for w := range o.writes {
		w()
		o.pendingMu.Lock()
		o.pending--
		if o.pending == 0 {
			o.idle.Broadcast()
		}
		o.pendingMu.Unlock()
	}
}

// enqueueWrite hands w to the writer. Only called from the worker, so the
// writes channel is still open.
func (o *Orchestrator) enqueueWrite(w func()) {
	o.pendingMu.Lock()
	o.pending++
	o.pendingMu.Unlock()
	o.writes <- w
}

// submit runs job on the worker and waits for its result. ctx bounds only
// the wait: a job that has started always runs to completion. A nil result
// means no result.
func submit[T any](ctx context.Context, o *Orchestrator, job func() *T) *T {
	result := make(chan *T, 1)
	select {
	case o.jobs <- func() { result <- job() }:
	case <-ctx.Done():
		return nil
	case <-o.closing:
		return nil
	}

	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		return nil
	}
}

// Sync blocks until every write dispatched so far has been applied.
func (o *Orchestrator) Sync() {
	o.pendingMu.Lock()
	for o.pending > 0 {
		o.idle.Wait()
	}
	o.pendingMu.Unlock()
}

// Close stops accepting work, lets a running job finish, drains pending
// writes and stops both goroutines.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closing)
		<-o.workerDone
		close(o.writes)
		<-o.writerDone
	})
}

// #endregion

// #region run-log

func (o *Orchestrator) recordRun(entry logging.RunEntry) {
	if o.cfg.RunLog == nil {
		return
	}
	o.enqueueWrite(func() {
		if err := logging.RecordRun(o.cfg.RunLog, entry); err != nil {
			o.logger.Warn("record run", zap.String("run", entry.RunID), zap.Error(err))
		}
	})
}

// #endregion
