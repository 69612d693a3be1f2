// Package otpkit is an embeddable actor runtime: behavior-driven processes
// with serialized mailboxes, supervision trees with restart strategies, links
// and monitors, named registries, state machines, and durable state
// snapshots.
package otpkit

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/otpkit/internal/app"
	cfg "github.com/loykin/otpkit/internal/config"
	"github.com/loykin/otpkit/internal/eventlog"
	elfactory "github.com/loykin/otpkit/internal/eventlog/factory"
	"github.com/loykin/otpkit/internal/fsm"
	"github.com/loykin/otpkit/internal/genserver"
	"github.com/loykin/otpkit/internal/logger"
	"github.com/loykin/otpkit/internal/metrics"
	"github.com/loykin/otpkit/internal/persist"
	"github.com/loykin/otpkit/internal/ref"
	"github.com/loykin/otpkit/internal/registry"
	iapi "github.com/loykin/otpkit/internal/server"
	"github.com/loykin/otpkit/internal/storage"
	stfactory "github.com/loykin/otpkit/internal/storage/factory"
	"github.com/loykin/otpkit/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Ref = ref.Ref

type (
	Behavior      = genserver.Behavior
	BehaviorFuncs = genserver.BehaviorFuncs
	StartOptions  = genserver.StartOptions
	CallOptions   = genserver.CallOptions
	ExitSignal    = genserver.ExitSignal
	Event         = genserver.Event
	EventType     = genserver.EventType
	ProcessStats  = genserver.ProcessStats
	TimerRef      = genserver.TimerRef

	TerminateReason = genserver.TerminateReason
	DownReason      = genserver.DownReason

	DistributionHooks = genserver.DistributionHooks
)

const (
	EventStarted          = genserver.EventStarted
	EventCrashed          = genserver.EventCrashed
	EventTerminated       = genserver.EventTerminated
	EventStateRestored    = genserver.EventStateRestored
	EventStatePersisted   = genserver.EventStatePersisted
	EventPersistenceError = genserver.EventPersistenceError
	EventProcessDown      = genserver.EventProcessDown
)

func NormalReason() TerminateReason         { return genserver.NormalReason() }
func ShutdownReason() TerminateReason       { return genserver.ShutdownReason() }
func ErrorReason(err error) TerminateReason { return genserver.ErrorReason(err) }

// Persistence surface.

type (
	PersistenceConfig  = persist.Config
	PersistenceAdapter = persist.Adapter
	PersistedEnvelope  = persist.Envelope
	PersistMetadata    = persist.Metadata
)

var ErrStateNotFound = persist.ErrStateNotFound

// NewMemoryAdapter returns the map-backed snapshot adapter.
func NewMemoryAdapter() *storage.Memory { return storage.NewMemory() }

// NewFileAdapter returns a directory-of-JSON-files snapshot adapter.
func NewFileAdapter(dir string) (*storage.File, error) { return storage.NewFile(dir) }

// NewAdapterFromDSN selects sqlite or postgres by DSN.
func NewAdapterFromDSN(dsn string) (PersistenceAdapter, error) { return stfactory.NewFromDSN(dsn) }

// SharedAdapter wraps an adapter so process termination does not close it;
// use it when one adapter backs several processes or restarts.
func SharedAdapter(a PersistenceAdapter) PersistenceAdapter { return storage.NopCloser(a) }

// Registry surface.

type (
	Registry      = registry.Registry
	RegistryEntry = registry.Entry
	RegistryMode  = registry.Mode
)

const (
	RegistryUnique    = registry.Unique
	RegistryDuplicate = registry.Duplicate
)

// NewRegistry builds a standalone registry; attach it to a Runtime for
// automatic cleanup on process termination.
func NewRegistry(mode RegistryMode) *Registry { return registry.New(mode) }

// Runtime is the embedding surface: one per host component, owning its
// processes, registries, links, monitors, timers, and event bus.
type Runtime struct{ inner *genserver.Runtime }

type RuntimeOption = genserver.Option

var (
	WithLogger            = genserver.WithLogger
	WithIDPrefix          = genserver.WithIDPrefix
	WithDistributionHooks = genserver.WithDistributionHooks
)

func NewRuntime(opts ...RuntimeOption) *Runtime {
	return &Runtime{inner: genserver.NewRuntime(opts...)}
}

func (rt *Runtime) Start(ctx context.Context, b Behavior, opts StartOptions) (Ref, error) {
	return rt.inner.Start(ctx, b, opts)
}

func (rt *Runtime) Call(ctx context.Context, target Ref, msg any, opts CallOptions) (any, error) {
	return rt.inner.Call(ctx, target, msg, opts)
}

func (rt *Runtime) Cast(target Ref, msg any) error { return rt.inner.Cast(target, msg) }

func (rt *Runtime) Stop(ctx context.Context, target Ref, reason TerminateReason) error {
	return rt.inner.Stop(ctx, target, reason)
}

func (rt *Runtime) Kill(target Ref, reason TerminateReason) { rt.inner.Kill(target, reason) }

func (rt *Runtime) SendAfter(target Ref, msg any, delay time.Duration) TimerRef {
	return rt.inner.SendAfter(target, msg, delay)
}

func (rt *Runtime) CancelTimer(t TimerRef) bool { return rt.inner.CancelTimer(t) }

func (rt *Runtime) Link(a, b Ref) (string, error) { return rt.inner.Link(a, b) }
func (rt *Runtime) Unlink(linkID string)          { rt.inner.Unlink(linkID) }

func (rt *Runtime) Monitor(owner, target Ref) string { return rt.inner.Monitor(owner, target) }
func (rt *Runtime) Demonitor(monitorID string) bool  { return rt.inner.Demonitor(monitorID) }

func (rt *Runtime) Checkpoint(ctx context.Context, target Ref) error {
	return rt.inner.Checkpoint(ctx, target)
}

func (rt *Runtime) LastCheckpointMeta(target Ref) (*PersistMetadata, error) {
	return rt.inner.LastCheckpointMeta(target)
}

func (rt *Runtime) ClearPersistedState(ctx context.Context, target Ref) error {
	return rt.inner.ClearPersistedState(ctx, target)
}

func (rt *Runtime) IsAlive(target Ref) bool       { return rt.inner.IsAlive(target) }
func (rt *Runtime) WhereIs(name string) (Ref, bool) { return rt.inner.WhereIs(name) }

func (rt *Runtime) Registry() *Registry           { return rt.inner.Registry() }
func (rt *Runtime) AttachRegistry(r *Registry)    { rt.inner.AttachRegistry(r) }
func (rt *Runtime) Subscribe(fn func(Event)) func() { return rt.inner.Subscribe(fn) }

func (rt *Runtime) Stats(target Ref) (ProcessStats, error) { return rt.inner.Stats(target) }
func (rt *Runtime) ListStats() []ProcessStats              { return rt.inner.ListStats() }

func (rt *Runtime) Shutdown(grace time.Duration) { rt.inner.Shutdown(grace) }

// Supervision surface.

type (
	Supervisor       = supervisor.Supervisor
	SupervisorConfig = supervisor.Config
	ChildSpec        = supervisor.ChildSpec
	ChildTemplate    = supervisor.ChildTemplate
	ChildInfo        = supervisor.ChildInfo
	TreeSnapshot     = supervisor.TreeSnapshot
	Strategy         = supervisor.Strategy
	RestartPolicy    = supervisor.Restart
	AutoShutdown     = supervisor.AutoShutdown
	Intensity        = supervisor.Intensity
)

const (
	OneForOne       = supervisor.OneForOne
	OneForAll       = supervisor.OneForAll
	RestForOne      = supervisor.RestForOne
	SimpleOneForOne = supervisor.SimpleOneForOne

	Permanent = supervisor.Permanent
	Transient = supervisor.Transient
	Temporary = supervisor.Temporary

	AutoShutdownNever          = supervisor.Never
	AutoShutdownAnySignificant = supervisor.AnySignificant
	AutoShutdownAllSignificant = supervisor.AllSignificant
)

// NewSupervisor builds a supervisor over the runtime; call Start to bring the
// children up.
func (rt *Runtime) NewSupervisor(c SupervisorConfig) (*Supervisor, error) {
	return supervisor.New(rt.inner, c)
}

// NestedSupervisorSpec runs a child supervisor built by build under a parent.
func (rt *Runtime) NestedSupervisorSpec(id string, restart RestartPolicy, build func() (*Supervisor, error)) ChildSpec {
	return supervisor.NestedSpec(rt.inner, id, restart, build)
}

// State machine surface.

type (
	StateMachine  = fsm.Machine
	FSMDefinition = fsm.Definition
	FSMInit       = fsm.Init
	FSMState      = fsm.State
	FSMEvent      = fsm.Event
	FSMEventType  = fsm.EventType
	FSMResult     = fsm.Result
	FSMAction     = fsm.Action
	FSMSnapshot   = fsm.Snapshot
	ReplyID       = fsm.ReplyID
)

const (
	FSMEventCast           = fsm.EventCast
	FSMEventCall           = fsm.EventCall
	FSMEventInternal       = fsm.EventInternal
	FSMEventStateTimeout   = fsm.EventStateTimeout
	FSMEventIdleTimeout    = fsm.EventIdleTimeout
	FSMEventGenericTimeout = fsm.EventGenericTimeout
)

// Transition results and actions, re-exported for behavior code.
var (
	Transition       = fsm.Transition
	KeepState        = fsm.KeepState
	KeepStateAndData = fsm.KeepStateAndData
	PostponeEvent    = fsm.Postpone
	StopMachine      = fsm.Stop
	StateTimeout     = fsm.StateTimeout
	EventTimeout     = fsm.EventTimeout
	GenericTimeout   = fsm.GenericTimeout
	NextEvent        = fsm.NextEvent
	ReplyTo          = fsm.Reply
)

// StartStateMachine runs def as a process on the runtime.
func (rt *Runtime) StartStateMachine(ctx context.Context, def FSMDefinition, opts StartOptions) (*StateMachine, error) {
	return fsm.Start(ctx, rt.inner, def, opts)
}

// Application surface.

type (
	App       = app.App
	AppConfig = app.Config
)

func NewApp(c AppConfig) (*App, error) { return app.New(c) }

// Config and logging.

type FileConfig = cfg.FileConfig

func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

type LogConfig = logger.Config

// Event export.

type (
	EventSink   = eventlog.Sink
	EventRecord = eventlog.Record
)

// NewEventSinkFromDSN builds a lifecycle-event sink (clickhouse:// or a JSON
// lines file path).
func NewEventSinkFromDSN(dsn string) (EventSink, error) { return elfactory.NewSinkFromDSN(dsn) }

// RecordEvents streams the runtime's lifecycle events into sink until the
// returned closer runs.
func (rt *Runtime) RecordEvents(sink EventSink) func() {
	rec := eventlog.NewRecorder(rt.inner, sink, nil)
	return rec.Close
}

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ObserveMetrics feeds the collectors from the runtime's event stream and
// returns the unsubscribe function.
func (rt *Runtime) ObserveMetrics() func() { return metrics.Observe(rt.inner) }

// SampleMetrics polls per-process gauges (mailbox depth, handled count) at
// interval. The returned function stops the sampler.
func (rt *Runtime) SampleMetrics(interval time.Duration) func() {
	s := metrics.NewSampler(rt.inner, interval)
	s.Start()
	return s.Stop
}

// NewHTTPServer starts the read-only introspection API for the runtime.
func (rt *Runtime) NewHTTPServer(addr, basePath string, roots ...*Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, rt.inner, roots)
}

// HTTPHandler returns the introspection API as an http.Handler for mounting
// into an existing server or framework.
func (rt *Runtime) HTTPHandler(basePath string, roots ...*Supervisor) http.Handler {
	return iapi.NewRouter(rt.inner, roots, basePath).Handler()
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller's goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
