// Package storemodel defines the data types shared by the remote build
// dispatch core: store path handles, path metadata, derivations, and
// the bookkeeping records that flow between the protocol codec, the
// build driver, and the orchestrator.
package storemodel

import (
	"fmt"
	"time"
)

// StorePath is an opaque, structurally-comparable handle to a
// content-addressed artifact in some store. Its printed form is
// produced and parsed by a LocalStore/DestStore implementation;
// this package never interprets the string itself.
type StorePath struct {
	printed string
}

// NewStorePath wraps an already-printed store path string. Collaborators
// are expected to have validated it through their own parseStorePath.
func NewStorePath(printed string) StorePath {
	return StorePath{printed: printed}
}

// String returns the stable printed form of the path.
func (p StorePath) String() string {
	return p.printed
}

// IsZero reports whether p is the zero value (no path).
func (p StorePath) IsZero() bool {
	return p.printed == ""
}

// StorePathSet is a set of StorePaths, matching the wire protocol's
// "set" shape.
type StorePathSet map[StorePath]struct{}

// NewStorePathSet builds a set from a slice, deduplicating.
func NewStorePathSet(paths ...StorePath) StorePathSet {
	s := make(StorePathSet, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

// Sorted returns the set's members in a deterministic order, for
// printing and for tests; order is not meaningful to the protocol.
func (s StorePathSet) Sorted() []StorePath {
	out := make([]StorePath, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].printed > out[j].printed; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ValidPathInfo is the metadata the remote side reports about a
// present artifact during cmdQueryPathInfos.
type ValidPathInfo struct {
	Path           StorePath
	Deriver        StorePath // zero value if absent
	References     StorePathSet
	NarSize        uint64
	NarHash        [32]byte // sha256, decoded from the wire's base32 string
	ContentAddress string   // empty if absent
}

// BasicDerivation is the self-contained build recipe shipped to the
// remote worker with cmdBuildDerivation. It has already had
// every input-derivation reference resolved to a concrete output path.
type BasicDerivation struct {
	Outputs     map[string]StorePath // output name -> expected path
	InputSrcs   StorePathSet         // resolved input source paths
	Platform    string
	Builder     string
	Args        []string
	Environment map[string]string
}

// OutputPaths returns the set of declared output StorePaths, used as
// the roots for closure transfer and as the query set for
// cmdQueryPathInfos.
func (d BasicDerivation) OutputPaths() StorePathSet {
	paths := make(StorePathSet, len(d.Outputs))
	for _, p := range d.Outputs {
		paths[p] = struct{}{}
	}
	return paths
}

// BuildOptions carries the immutable, queue-supplied configuration
// recognised by this core.
type BuildOptions struct {
	MaxSilentTime       time.Duration
	BuildTimeout        time.Duration
	MaxLogSize          uint64
	Repeats             int
	EnforceDeterminism  bool
	KeepFailed          bool // leaves the builder's temp directory behind on failure for later inspection
}

// StepStatus is the internal outcome enum a peer status integer maps
// to.
type StepStatus int

const (
	StepStatusSuccess StepStatus = iota
	StepStatusFailed
	StepStatusTimedOut
	StepStatusAborted
	StepStatusLogLimitExceeded
	StepStatusNotDeterministic
	StepStatusNarSizeLimitExceeded
)

func (s StepStatus) String() string {
	switch s {
	case StepStatusSuccess:
		return "Success"
	case StepStatusFailed:
		return "Failed"
	case StepStatusTimedOut:
		return "TimedOut"
	case StepStatusAborted:
		return "Aborted"
	case StepStatusLogLimitExceeded:
		return "LogLimitExceeded"
	case StepStatusNotDeterministic:
		return "NotDeterministic"
	case StepStatusNarSizeLimitExceeded:
		return "NarSizeLimitExceeded"
	default:
		return fmt.Sprintf("StepStatus(%d)", int(s))
	}
}

// Realisation is the derivation-output -> resulting-path map returned
// by a peer of protocol minor >= 6.
type Realisation struct {
	OutputName string
	OutputPath StorePath
}

// RemoteResult is the outcome of a single build attempt.
type RemoteResult struct {
	StartTime          time.Time
	StopTime           time.Time
	TimesBuilt         int
	IsNonDeterministic bool
	StepStatus         StepStatus
	ErrorMsg           string
	CanCache           bool
	CanRetry           bool
	IsCached           bool
	LogFile            string
	Overhead           time.Duration
	BytesSent          uint64
	BytesReceived      uint64
	BuiltOutputs       []Realisation
}

// NarMemberData is filesystem metadata extracted from a NAR stream for
// one member of one path.
type NarMemberData struct {
	Path        StorePath
	MemberPath  string // internal path within the NAR, e.g. "/bin/foo"; the root is "/"
	IsRegular   bool
	IsSymlink   bool
	IsDirectory bool
	Executable  bool
	Size        uint64
	SHA256      [32]byte
}

// NarMemberKey identifies one entry in the shared NarMemberData
// collection.
type NarMemberKey struct {
	Path       StorePath
	MemberPath string
}
