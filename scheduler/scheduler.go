package scheduler

import (
	stderrors "errors"

	"github.com/kbukum/flowkit/errors"
)

// Task is a unit of work executed by a Worker.
type Task func()

// Sentinel errors wrapped by the AppErrors Schedule returns.
var (
	ErrExhausted = stderrors.New("scheduler: worker queue is full")
	ErrStopped   = stderrors.New("scheduler: not running")
)

// Worker runs submitted tasks one at a time in FIFO order.
type Worker interface {
	// Schedule enqueues task. It never blocks; a full queue returns an
	// error wrapping ErrExhausted.
	Schedule(task Task) error
	// Index identifies the worker within its scheduler.
	Index() int
}

// Scheduler is a named group of workers.
type Scheduler interface {
	Name() string
	Workers() int
	// Worker returns the next worker in round-robin order.
	Worker() Worker
	// WorkerAt returns worker i modulo Workers(), for key-based placement.
	WorkerAt(i int) Worker
}

// Immediate returns a scheduler that runs every task inline on the caller's
// goroutine. It is useful in tests and for stages that must not hop.
func Immediate() Scheduler { return immediate{} }

type immediate struct{}

func (immediate) Name() string        { return "immediate" }
func (immediate) Workers() int        { return 1 }
func (immediate) Worker() Worker      { return immediateWorker{} }
func (immediate) WorkerAt(int) Worker { return immediateWorker{} }

type immediateWorker struct{}

func (immediateWorker) Schedule(task Task) error {
	task()
	return nil
}

func (immediateWorker) Index() int { return 0 }

// IsExhausted reports whether err came from a full worker queue.
func IsExhausted(err error) bool {
	return stderrors.Is(err, ErrExhausted)
}

func exhausted(name string) error {
	return errors.SchedulerExhausted(name).WithCause(ErrExhausted)
}

func stopped(name string) error {
	return errors.SchedulerStopped(name).WithCause(ErrStopped)
}
