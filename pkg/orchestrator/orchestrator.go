// Package orchestrator drives one build step end to end: open a
// session to the chosen machine, ship its input closure, drive the
// build, ingest the output closure, and report a RemoteResult. It is
// the glue component, grounded on cmd/bb_clientd/main.go's
// construct-then-run dependency wiring and on the teacher's
// deferred-action idiom for "run this on every exit path" cleanup.
package orchestrator

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/buildbarn/bb-storage/pkg/util"

	"github.com/thufschmitt/hydra/pkg/builddriver"
	"github.com/thufschmitt/hydra/pkg/buildlog"
	"github.com/thufschmitt/hydra/pkg/closure"
	"github.com/thufschmitt/hydra/pkg/ingest"
	"github.com/thufschmitt/hydra/pkg/machinehealth"
	"github.com/thufschmitt/hydra/pkg/storemodel"
	"github.com/thufschmitt/hydra/pkg/transport"
)

// State is one of the five points in the step's life the state
// machine passes through, in order, on every successful run.
type State int

const (
	StateConnecting State = iota
	StateSendingInputs
	StateBuilding
	StateReceivingOutputs
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateSendingInputs:
		return "SendingInputs"
	case StateBuilding:
		return "Building"
	case StateReceivingOutputs:
		return "ReceivingOutputs"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Step is the subset of an enqueued build unit this core consumes.
// Cancelled is polled at every phase boundary, never preemptively.
type Step struct {
	DrvPath   storemodel.StorePath
	Drv       storemodel.BasicDerivation
	Cancelled func() bool
}

// LocalStore is the source side of input closure transfer: the store
// that already holds the derivation's resolved input paths.
type LocalStore interface {
	closure.Store
	// Infos returns path metadata for roots and everything they
	// transitively reference, for TopoSort/CopyClosure to walk.
	Infos(ctx context.Context, roots []storemodel.StorePath) (closure.PathInfoProvider, error)
}

// DestStore is the local destination both input and output closures
// ultimately land in.
type DestStore interface {
	closure.Store
	ingest.DestStore
}

// Session is the subset of *transport.Session this core depends on.
// Substituting a fake here (rather than requiring a real SSH dial) is
// what makes Run testable against the literal end-to-end scenarios.
type Session interface {
	Open(ctx context.Context) error
	OpenConnection() (*transport.FramedPair, error)
	Close() error
	BytesRead() uint64
	BytesWritten() uint64
}

// Counters are the four scoped runtime counters shared across every
// concurrently running step on this orchestrator: how many steps are
// currently waiting to connect, copying inputs in, building, or
// copying outputs out.
type Counters struct {
	Waiting     int64
	CopyingTo   int64
	Building    int64
	CopyingFrom int64
}

func (c *Counters) enter(counter *int64) func() {
	atomic.AddInt64(counter, 1)
	return func() { atomic.AddInt64(counter, -1) }
}

// Orchestrator holds everything shared across every step it runs:
// the collaborator stores, machine health policy, counters, and the
// step-state callback.
type Orchestrator struct {
	LocalStore    LocalStore
	DestStore     DestStore
	Collector     *ingest.MemberCollector
	Health        *machinehealth.Policy
	LogDir        filesystem.Directory
	TempDirRoot   filesystem.Directory
	Clock         clock.Clock
	MaxOutputSize uint64
	ErrorLogger   util.ErrorLogger

	// NewRemoteStore builds the closure.Store view of a machine's
	// session, used for copying inputs to a non-local worker. It is
	// nil for test setups that only exercise the localhost path; the
	// wire-level mechanics of importing paths into a remote worker's
	// own store are an external collaborator concern, not
	// implemented by this core (see DESIGN.md).
	NewRemoteStore func(pair *transport.FramedPair) closure.Store

	// NewSession constructs the session for a step's chosen machine.
	// Defaults to transport.NewSession; tests substitute a fake that
	// skips the real SSH dial and serves an in-memory FramedPair.
	NewSession func(machine *storemodel.Machine, logFd io.Writer) Session

	// UpdateStep is called synchronously before work begins for each
	// state, for every step this orchestrator runs.
	UpdateStep func(stepID uuid.UUID, state State)

	Counters Counters
}

func (o *Orchestrator) updateStep(stepID uuid.UUID, state State) {
	if o.UpdateStep != nil {
		o.UpdateStep(stepID, state)
	}
}

// Run drives step to completion on machine and returns its outcome.
// A non-nil error means a category 1 (transport/protocol) or category
// 3 (local resource) failure occurred, and Health has already been
// consulted, or that the step was cancelled: a cancellation returns a
// codes.Canceled error without consulting Health. A remote build outcome — even Failed or TimedOut — is
// category 2 and returns with a nil error, the classification living
// entirely in the returned RemoteResult.
func (o *Orchestrator) Run(ctx context.Context, machine *storemodel.Machine, step Step, options storemodel.BuildOptions) (storemodel.RemoteResult, error) {
	stepID := uuid.New()
	result := storemodel.RemoteResult{StartTime: o.Clock.Now()}

	if step.Cancelled() {
		return storemodel.RemoteResult{}, status.Error(codes.Canceled, "step was cancelled before connecting")
	}

	_, tempDirName, err := o.createStepTempDir(stepID)
	if err != nil {
		o.Health.RecordFailure(machine)
		return storemodel.RemoteResult{}, err
	}
	defer o.removeStepTempDir(tempDirName)

	log, err := buildlog.Create(o.LogDir, step.DrvPath)
	if err != nil {
		o.Health.RecordFailure(machine)
		return storemodel.RemoteResult{}, err
	}
	keepLog := false
	defer func() {
		if keepLog {
			if err := log.Keep(); err != nil && o.ErrorLogger != nil {
				o.ErrorLogger.Log(err)
			}
		} else {
			if err := log.Discard(); err != nil && o.ErrorLogger != nil {
				o.ErrorLogger.Log(err)
			}
		}
	}()

	newSession := o.NewSession
	if newSession == nil {
		newSession = func(m *storemodel.Machine, logFd io.Writer) Session { return transport.NewSession(m, logFd) }
	}

	o.updateStep(stepID, StateConnecting)
	release := o.Counters.enter(&o.Counters.Waiting)
	session := newSession(machine, log)
	openErr := session.Open(ctx)
	release()
	if openErr != nil {
		o.Health.RecordFailure(machine)
		return result, openErr
	}
	defer func() {
		if err := session.Close(); err != nil && o.ErrorLogger != nil {
			o.ErrorLogger.Log(err)
		}
	}()

	pair, err := session.OpenConnection()
	if err != nil {
		o.Health.RecordFailure(machine)
		return result, err
	}
	// A successfully established connection means the machine itself
	// is healthy, regardless of how the build it is about to run
	// turns out; reset its failure streak now rather than only on a
	// fully successful step, so a later transport failure computes
	// backoff from a fresh streak instead of one stale from before
	// this connection.
	o.Health.RecordSuccess(machine)
	// Connection is established: per the log file's lifecycle, it is
	// now retained on every remaining exit path except a cache hit,
	// which clears this below once the build outcome is known.
	keepLog = true
	result.LogFile = log.Path()

	// The pid-cancellation slot lets an external watchdog signal
	// this step once a session is open, by pid. It is cleared on
	// every exit path below; races against pid reuse are an
	// accepted, known limitation (not fixed here, matching
	// behavioural parity rather than a cleaner cancellation-token
	// design).
	cancelSlot := newCancelSlot(stepID)
	defer cancelSlot.clear()

	readCounters := func() {
		result.BytesSent = session.BytesWritten()
		result.BytesReceived = session.BytesRead()
	}

	if step.Cancelled() {
		return result, status.Error(codes.Canceled, "step was cancelled after connecting")
	}

	o.updateStep(stepID, StateSendingInputs)
	releaseCopyTo := o.Counters.enter(&o.Counters.CopyingTo)
	copyToStart := o.Clock.Now()
	sendErr := o.sendInputs(ctx, machine, pair, step)
	result.Overhead += o.Clock.Now().Sub(copyToStart)
	releaseCopyTo()
	readCounters()
	if sendErr != nil {
		o.Health.RecordFailure(machine)
		return result, sendErr
	}
	if err := log.Truncate(); err != nil && o.ErrorLogger != nil {
		o.ErrorLogger.Log(err)
	}

	if step.Cancelled() {
		return result, status.Error(codes.Canceled, "step was cancelled before building")
	}

	o.updateStep(stepID, StateBuilding)
	releaseBuild := o.Counters.enter(&o.Counters.Building)
	outcome, buildErr := o.build(ctx, pair, step, options)
	releaseBuild()
	readCounters()
	if buildErr != nil {
		o.Health.RecordFailure(machine)
		return result, buildErr
	}

	applyOutcome(&result, outcome)
	if outcome.IsCached {
		keepLog = false
		result.LogFile = ""
	}

	if outcome.StepStatus != storemodel.StepStatusSuccess {
		// Category 2: a remote build outcome, never triggers
		// machine backoff.
		return result, nil
	}

	if step.Cancelled() {
		return result, status.Error(codes.Canceled, "step was cancelled before receiving outputs")
	}

	o.updateStep(stepID, StateReceivingOutputs)
	releaseCopyFrom := o.Counters.enter(&o.Counters.CopyingFrom)
	copyFromStart := o.Clock.Now()
	recvErr := o.receiveOutputs(ctx, pair, step, outcome.IsCached, &result)
	result.Overhead += o.Clock.Now().Sub(copyFromStart)
	releaseCopyFrom()
	readCounters()
	if recvErr != nil {
		o.Health.RecordFailure(machine)
		return result, recvErr
	}

	o.updateStep(stepID, StateDone)
	return result, nil
}

func applyOutcome(result *storemodel.RemoteResult, outcome builddriver.Outcome) {
	result.StepStatus = outcome.StepStatus
	result.ErrorMsg = outcome.ErrorMsg
	result.CanRetry = outcome.CanRetry
	result.CanCache = outcome.CanCache
	result.IsCached = outcome.IsCached
	result.TimesBuilt = outcome.TimesBuilt
	result.IsNonDeterministic = outcome.IsNonDeterministic
	result.BuiltOutputs = outcome.BuiltOutputs
	if !outcome.StartTime.IsZero() && !outcome.StopTime.IsZero() {
		result.StartTime = outcome.StartTime
		result.StopTime = outcome.StopTime
	}
}

// sendInputs ships the derivation's resolved input closure to the
// worker. When the machine is local, the closure only needs to land
// in the destination store (the local builder reads it from there
// directly); otherwise it is copied from the destination store to the
// machine's own store through the session.
func (o *Orchestrator) sendInputs(ctx context.Context, machine *storemodel.Machine, pair *transport.FramedPair, step Step) error {
	roots := step.Drv.InputSrcs.Sorted()
	if len(roots) == 0 {
		return nil
	}

	infos, err := o.LocalStore.Infos(ctx, roots)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to resolve input closure metadata: %s", err)
	}

	if machine.IsLocalhost {
		return closure.CopyClosure(ctx, o.LocalStore, o.DestStore, roots, infos)
	}

	if o.NewRemoteStore == nil {
		return status.Error(codes.Unimplemented, "no remote store adapter configured for non-local machines")
	}
	remote := o.NewRemoteStore(pair)
	return closure.CopyClosure(ctx, o.DestStore, remote, roots, infos)
}

func (o *Orchestrator) build(ctx context.Context, pair *transport.FramedPair, step Step, options storemodel.BuildOptions) (builddriver.Outcome, error) {
	if err := pair.AcquireBuildSlot(ctx); err != nil {
		return builddriver.Outcome{}, err
	}
	defer pair.ReleaseBuildSlot()

	return builddriver.Build(ctx, pair, builddriver.Request{
		DrvPath: step.DrvPath,
		Drv:     step.Drv,
		Options: options,
	})
}

// receiveOutputs runs phase 1 (metadata) always — even on a cache
// hit, so NarMemberData gets populated — and phase 2 (bodies) only
// when the build actually produced fresh output.
func (o *Orchestrator) receiveOutputs(ctx context.Context, pair *transport.FramedPair, step Step, isCached bool, result *storemodel.RemoteResult) error {
	outputRoots := step.Drv.OutputPaths()

	infos, _, err := ingest.QueryPathInfos(pair, outputRoots, o.MaxOutputSize)
	if err != nil {
		if err == ingest.ErrNarSizeLimitExceeded {
			result.StepStatus = storemodel.StepStatusNarSizeLimitExceeded
			result.CanRetry = false
			return nil
		}
		return err
	}

	if isCached {
		return nil
	}

	order := closure.TopoSort(outputRoots.Sorted(), closure.MapPathInfoProvider(infos))
	return ingest.TransferBodies(ctx, pair, o.DestStore, order, infos, o.Collector)
}

func (o *Orchestrator) createStepTempDir(stepID uuid.UUID) (filesystem.Directory, path.Component, error) {
	name, ok := path.NewComponent(stepID.String())
	if !ok {
		return nil, path.Component{}, status.Errorf(codes.Internal, "step id %q is not a valid directory name", stepID)
	}
	if err := o.TempDirRoot.Mkdir(name, 0o700); err != nil {
		return nil, path.Component{}, util.StatusWrapf(err, "failed to create temp directory for step %s", stepID)
	}
	dir, err := o.TempDirRoot.EnterDirectory(name)
	if err != nil {
		return nil, path.Component{}, util.StatusWrapf(err, "failed to enter temp directory for step %s", stepID)
	}
	return dir, name, nil
}

func (o *Orchestrator) removeStepTempDir(name path.Component) {
	if err := o.TempDirRoot.Remove(name); err != nil && o.ErrorLogger != nil {
		o.ErrorLogger.Log(util.StatusWrap(err, "failed to remove step temp directory"))
	}
}

// cancelSlot is the pid-cancellation bookkeeping named in the design
// notes: a per-step marker an external watchdog could signal by pid
// once the session is open. This core only owns its lifecycle
// (allocate on connect, clear on every exit path); the watchdog's
// actual signalling mechanism is an external collaborator, and the
// race against pid reuse between clear() and a stale signal arriving
// is an accepted, known limitation.
type cancelSlot struct {
	stepID uuid.UUID
	pid    int
}

func newCancelSlot(stepID uuid.UUID) *cancelSlot {
	return &cancelSlot{stepID: stepID, pid: os.Getpid()}
}

func (c *cancelSlot) clear() {
	c.pid = 0
}
