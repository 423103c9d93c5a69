// Package builddriver issues the build command and reads the typed
// result, mapping the peer's status integer to this core's internal
// outcome enum.
package builddriver

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thufschmitt/hydra/pkg/storemodel"
	"github.com/thufschmitt/hydra/pkg/transport"
	"github.com/thufschmitt/hydra/pkg/wire"
)

// Request is everything needed to issue cmdBuildDerivation.
type Request struct {
	DrvPath storemodel.StorePath
	Drv     storemodel.BasicDerivation
	Options storemodel.BuildOptions
}

// Outcome is the mapped result of one build attempt, before the
// caller folds in wall-clock times it measured itself.
type Outcome struct {
	StepStatus         storemodel.StepStatus
	ErrorMsg           string
	CanRetry           bool
	CanCache           bool
	IsCached           bool
	TimesBuilt         int
	IsNonDeterministic bool
	StartTime          time.Time // zero if the peer didn't report one (minor < 3)
	StopTime           time.Time
	BuiltOutputs       []storemodel.Realisation
}

// statusMapping is one row of the peer-status mapping table. Fields
// left at their zero value mean "unspecified / caller-measured".
type statusMapping struct {
	stepStatus    storemodel.StepStatus
	canRetry      bool
	canCache      bool
	isCached      bool
	clearErrorMsg bool
}

var statusTable = map[wire.PeerBuildStatus]statusMapping{
	wire.PeerStatusBuilt:            {stepStatus: storemodel.StepStatusSuccess},
	wire.PeerStatusSubstituted:      {stepStatus: storemodel.StepStatusSuccess, isCached: true},
	wire.PeerStatusAlreadyValid:     {stepStatus: storemodel.StepStatusSuccess, isCached: true},
	wire.PeerStatusPermanentFailure: {stepStatus: storemodel.StepStatusFailed, canCache: true, clearErrorMsg: true},
	wire.PeerStatusInputRejected:    {stepStatus: storemodel.StepStatusFailed, canCache: true},
	wire.PeerStatusOutputRejected:   {stepStatus: storemodel.StepStatusFailed, canCache: true},
	wire.PeerStatusTransientFailure: {stepStatus: storemodel.StepStatusFailed, canRetry: true, clearErrorMsg: true},
	wire.PeerStatusTimedOut:         {stepStatus: storemodel.StepStatusTimedOut, clearErrorMsg: true},
	wire.PeerStatusMiscFailure:      {stepStatus: storemodel.StepStatusAborted, canRetry: true},
	wire.PeerStatusLogLimitExceeded: {stepStatus: storemodel.StepStatusLogLimitExceeded},
	wire.PeerStatusNotDeterministic: {stepStatus: storemodel.StepStatusNotDeterministic, canCache: true},
}

func mapStatus(peer wire.PeerBuildStatus) statusMapping {
	if m, ok := statusTable[peer]; ok {
		return m
	}
	// anything else is treated as an aborted attempt.
	return statusMapping{stepStatus: storemodel.StepStatusAborted}
}

// Build sends cmdBuildDerivation and reads the response. pair
// must already have its AcquireBuildSlot held by the caller — the
// orchestrator, which also owns the surrounding state transitions —
// since at most one concurrent build command is allowed per session.
func Build(ctx context.Context, pair *transport.FramedPair, req Request) (Outcome, error) {
	if err := sendBuildDerivation(pair.Writer, req); err != nil {
		return Outcome{}, err
	}
	return readBuildResult(pair.Reader)
}

func sendBuildDerivation(w *wire.Writer, req Request) error {
	if err := w.WriteCommand(wire.CmdBuildDerivation); err != nil {
		return err
	}
	if err := w.WriteString(req.DrvPath.String()); err != nil {
		return err
	}
	if err := w.WriteBasicDerivation(req.Drv); err != nil {
		return err
	}
	if err := w.WriteUint64(uint64(req.Options.MaxSilentTime.Seconds())); err != nil {
		return err
	}
	if err := w.WriteUint64(uint64(req.Options.BuildTimeout.Seconds())); err != nil {
		return err
	}

	if w.ProtocolMinor() >= 2 {
		if err := w.WriteUint64(req.Options.MaxLogSize); err != nil {
			return err
		}
	}
	if w.ProtocolMinor() >= 3 {
		if err := w.WriteUint64(uint64(req.Options.Repeats)); err != nil {
			return err
		}
		if err := w.WriteBool(req.Options.EnforceDeterminism); err != nil {
			return err
		}
	}
	if w.ProtocolMinor() >= 7 {
		if err := w.WriteBool(req.Options.KeepFailed); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readBuildResult(r *wire.Reader) (Outcome, error) {
	peerStatus, err := r.ReadPeerBuildStatus()
	if err != nil {
		return Outcome{}, err
	}
	errorMsg, err := r.ReadString()
	if err != nil {
		return Outcome{}, err
	}

	mapping := mapStatus(peerStatus)
	out := Outcome{
		StepStatus: mapping.stepStatus,
		ErrorMsg:   errorMsg,
		CanRetry:   mapping.canRetry,
		CanCache:   mapping.canCache,
		IsCached:   mapping.isCached,
	}
	if mapping.clearErrorMsg {
		out.ErrorMsg = ""
	}

	if r.ProtocolMinor() >= 3 {
		timesBuilt, err := r.ReadUint64()
		if err != nil {
			return Outcome{}, err
		}
		out.TimesBuilt = int(timesBuilt)

		isNonDet, err := r.ReadBool()
		if err != nil {
			return Outcome{}, err
		}
		out.IsNonDeterministic = isNonDet

		start, err := r.ReadUint64()
		if err != nil {
			return Outcome{}, err
		}
		stop, err := r.ReadUint64()
		if err != nil {
			return Outcome{}, err
		}
		// Only trust the peer's reported times when both are
		// nonzero; a peer that reports just one of the two has
		// nothing usable to override the caller's own wall-clock
		// measurement with.
		if start != 0 && stop != 0 {
			out.StartTime = time.Unix(int64(start), 0)
			out.StopTime = time.Unix(int64(stop), 0)
		}
	}

	if r.ProtocolMinor() >= 6 {
		n, err := r.ReadUint64()
		if err != nil {
			return Outcome{}, err
		}
		out.BuiltOutputs = make([]storemodel.Realisation, 0, n)
		for i := uint64(0); i < n; i++ {
			name, err := r.ReadString()
			if err != nil {
				return Outcome{}, err
			}
			path, err := r.ReadString()
			if err != nil {
				return Outcome{}, err
			}
			out.BuiltOutputs = append(out.BuiltOutputs, storemodel.Realisation{
				OutputName: name,
				OutputPath: storemodel.NewStorePath(path),
			})
		}
	}

	return out, nil
}

// ErrProtocol wraps a malformed-record condition with the Aborted,
// retryable classification category 1 errors get.
func ErrProtocol(format string, args ...interface{}) error {
	return status.Errorf(codes.Unavailable, format, args...)
}
