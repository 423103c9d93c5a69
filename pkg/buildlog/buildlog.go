// Package buildlog manages the on-disk lifecycle of a step's build
// log: created before connecting to the worker, deleted if the
// attempt turns out to be a cache hit or never progresses past
// Connecting, retained otherwise. Grounded on
// pkg/outputpathpersistency's directory-backed store, generalized
// from its temporary-file-then-rename shape to a simpler
// create-then-keep-or-delete shape since the log's final path is
// already known up front.
package buildlog

import (
	"syscall"

	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/buildbarn/bb-storage/pkg/util"

	"github.com/thufschmitt/hydra/pkg/storemodel"
)

// File is an open build log. Callers write build output to it as it
// streams in, then call either Keep or Discard exactly once depending
// on how the attempt concluded.
type File struct {
	directory filesystem.Directory
	name      path.Component
	full      string
	handle    filesystem.FileWriter

	// offset is an explicit write cursor rather than relying on the
	// handle's own position, the same offsetWriter shape
	// pkg/outputpathpersistency's file writer uses over a
	// WriterAt — so Truncate can rewind it without the underlying
	// handle needing a Seek.
	offset int64
}

// Create opens a new log file for drvPath under logDir, sharded by the
// derivation's base name (its printed path after the last '/') as
// logDir/<base[0..2]>/<base[2..]>. It must be called before
// connecting to the worker, regardless of whether the attempt ends up
// needing the log at all.
func Create(logDir filesystem.Directory, drvPath storemodel.StorePath) (*File, error) {
	base := baseName(drvPath)
	if len(base) < 2 {
		return nil, util.StatusWrap(syscall.EINVAL, "derivation base name too short to shard")
	}

	shardName, ok := path.NewComponent(base[:2])
	if !ok {
		return nil, util.StatusWrapf(syscall.EINVAL, "invalid shard component for %q", base)
	}
	if err := logDir.Mkdir(shardName, 0o755); err != nil && err != syscall.EEXIST {
		return nil, util.StatusWrap(err, "Failed to create log shard directory")
	}
	shardDir, err := logDir.EnterDirectory(shardName)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to enter log shard directory")
	}

	fileName, ok := path.NewComponent(base[2:])
	if !ok {
		return nil, util.StatusWrapf(syscall.EINVAL, "invalid log file component for %q", base)
	}

	handle, err := shardDir.OpenWrite(fileName, filesystem.CreateExcl(0o644))
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to create build log file")
	}

	return &File{
		directory: shardDir,
		name:      fileName,
		full:      base[:2] + "/" + base[2:],
		handle:    handle,
	}, nil
}

// Write appends build output to the log.
func (f *File) Write(p []byte) (int, error) {
	n, err := f.handle.WriteAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// Path returns the log's on-disk path relative to logDir, for
// recording in RemoteResult.LogFile once the caller decides to Keep
// it.
func (f *File) Path() string {
	return f.full
}

// Truncate drops everything written to the log so far and rewinds
// the write cursor to the start. Call this once inputs have finished
// sending, to discard the remote substituter chatter captured during
// that phase before the build's own output starts streaming in.
func (f *File) Truncate() error {
	if err := f.handle.Truncate(0); err != nil {
		return util.StatusWrap(err, "Failed to truncate build log file")
	}
	f.offset = 0
	return nil
}

// Keep closes the log and leaves it on disk. Call this once the
// attempt produced output worth retaining: anything other than a
// cache hit or a failure to progress past Connecting.
func (f *File) Keep() error {
	return util.StatusWrap(f.handle.Close(), "Failed to close build log file")
}

// Discard closes and removes the log. Call this for a cache hit
// (logFile must be "") or when the connection never progressed past
// Connecting.
func (f *File) Discard() error {
	closeErr := f.handle.Close()
	removeErr := f.directory.Remove(f.name)
	if closeErr != nil {
		return util.StatusWrap(closeErr, "Failed to close build log file")
	}
	if removeErr != nil && removeErr != syscall.ENOENT {
		return util.StatusWrap(removeErr, "Failed to remove discarded build log file")
	}
	return nil
}

// baseName strips the store prefix from a derivation's printed path,
// leaving just its file name component (e.g. "aaaa...-foo.drv").
func baseName(p storemodel.StorePath) string {
	s := p.String()
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return s
}
