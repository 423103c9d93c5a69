// Package localstore is a minimal, single-process convenience
// implementation of closure.Store and ingest.DestStore backed by a
// plain directory of NAR blobs plus an in-memory metadata index. It
// exists so cmd/remote_build_runner can actually dispatch a build
// end to end without a real Nix store available; it is not a
// reimplementation of Nix's on-disk store database (no GC roots, no
// SQLite reference table, no atomic multi-process locking) — that
// remains an external collaborator's responsibility.
//
// Grounded on pkg/outputpathpersistency/directory_backed_store.go's
// temporary-file-then-rename write pattern, generalized from output-
// tree protos to raw NAR byte streams.
package localstore

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"
	"sync"
	"syscall"

	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thufschmitt/hydra/pkg/closure"
	"github.com/thufschmitt/hydra/pkg/ingest"
	"github.com/thufschmitt/hydra/pkg/storemodel"
)

// Store is a directory-of-NAR-blobs implementation of closure.Store
// and ingest.DestStore. The zero value is not usable; construct with
// New.
type Store struct {
	uri       string
	directory filesystem.Directory

	mu    sync.Mutex
	infos map[storemodel.StorePath]storemodel.ValidPathInfo
}

// New constructs a Store backed by directory. uri is the value
// returned by URI(); two Stores sharing a uri are treated by
// closure.CopyClosure as identical, so callers must give distinct
// Stores distinct URIs.
func New(uri string, directory filesystem.Directory) *Store {
	return &Store{
		uri:       uri,
		directory: directory,
		infos:     make(map[storemodel.StorePath]storemodel.ValidPathInfo),
	}
}

// URI implements closure.Store.
func (s *Store) URI() string {
	return s.uri
}

// blobName turns a StorePath into a filesystem component: the part of
// its printed form after the last '/', which is already how
// pkg/buildlog shards log file names.
func blobName(p storemodel.StorePath) (path.Component, error) {
	printed := p.String()
	base := printed
	for i := len(printed) - 1; i >= 0; i-- {
		if printed[i] == '/' {
			base = printed[i+1:]
			break
		}
	}
	name, ok := path.NewComponent(base)
	if !ok {
		return path.Component{}, status.Errorf(codes.InvalidArgument, "cannot derive a filesystem name from store path %q", printed)
	}
	return name, nil
}

// Info returns the recorded metadata for p, if any is known.
func (s *Store) Info(p storemodel.StorePath) (storemodel.ValidPathInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[p]
	return info, ok
}

// PutInfo records info without writing a blob, for seeding the index
// from a LocalStore's own closure computation (e.g. input paths that
// already live on disk outside this Store's own writes).
func (s *Store) PutInfo(info storemodel.ValidPathInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[info.Path] = info
}

// Infos implements orchestrator.LocalStore's additional method: it
// returns a PathInfoProvider view of every path this Store currently
// knows about, which is sufficient for TopoSort/CopyClosure to walk
// roots and their recorded references.
func (s *Store) Infos(ctx context.Context, roots []storemodel.StorePath) (closure.PathInfoProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(closure.MapPathInfoProvider, len(s.infos))
	for p, info := range s.infos {
		snapshot[p] = info
	}
	return snapshot, nil
}

// HasValidPath implements ingest.DestStore.
func (s *Store) HasValidPath(ctx context.Context, p storemodel.StorePath) (bool, error) {
	_, ok := s.Info(p)
	return ok, nil
}

// offsetReadCloser adapts a filesystem.FileReader (an io.ReaderAt) to
// the io.ReadCloser Export must return, the same adapter shape as
// outputpathpersistency's offsetReader.
type offsetReadCloser struct {
	r      filesystem.FileReader
	offset int64
}

func (o *offsetReadCloser) Read(p []byte) (int, error) {
	n, err := o.r.ReadAt(p, o.offset)
	o.offset += int64(n)
	return n, err
}

func (o *offsetReadCloser) Close() error {
	return o.r.Close()
}

// Export implements closure.Store.
func (s *Store) Export(ctx context.Context, p storemodel.StorePath) (io.ReadCloser, error) {
	name, err := blobName(p)
	if err != nil {
		return nil, err
	}
	f, err := s.directory.OpenRead(name)
	if err != nil {
		return nil, util.StatusWrapf(err, "failed to open blob for %q", p.String())
	}
	return &offsetReadCloser{r: f}, nil
}

// Import implements closure.Store: it writes nar to a temporary
// blob, verifies its sha256 against info.NarHash, then renames it
// into place and records info. A hash mismatch leaves no blob behind.
func (s *Store) Import(ctx context.Context, info storemodel.ValidPathInfo, nar io.Reader) error {
	if valid, _ := s.HasValidPath(ctx, info.Path); valid {
		return nil
	}

	name, err := blobName(info.Path)
	if err != nil {
		return err
	}
	w, err := s.newTempWriter(name)
	if err != nil {
		return err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), nar); err != nil {
		w.abort()
		return util.StatusWrapf(err, "failed writing blob for %q", info.Path.String())
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	if sum != info.NarHash {
		w.abort()
		return status.Errorf(codes.DataLoss, "nar hash mismatch importing %q", info.Path.String())
	}
	if err := w.commit(); err != nil {
		return err
	}

	s.PutInfo(info)
	return nil
}

// sink is the ingest.WriteCloseHasher returned by OpenAddPathSink: it
// hashes every byte written, and Close validates that hash against
// info.NarHash before committing the blob, per WriteCloseHasher's
// "a destination store is expected to validate narHash on close"
// contract.
type sink struct {
	store  *Store
	info   storemodel.ValidPathInfo
	writer *tempWriter
	hasher hash.Hash
}

func (s *Store) newTempWriter(finalName path.Component) (*tempWriter, error) {
	tempName, ok := path.NewComponent(finalName.String() + ".tmp")
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "cannot derive a temporary name for %q", finalName.String())
	}
	if err := s.directory.Remove(tempName); err != nil && err != syscall.ENOENT {
		return nil, util.StatusWrap(err, "failed to remove stale temporary blob")
	}
	fw, err := s.directory.OpenWrite(tempName, filesystem.CreateExcl(0o644))
	if err != nil {
		return nil, util.StatusWrap(err, "failed to create temporary blob")
	}
	return &tempWriter{
		directory: s.directory,
		tempName:  tempName,
		finalName: finalName,
		fw:        fw,
	}, nil
}

// tempWriter is the write-to-temp-then-rename-or-remove helper shared
// by Import and OpenAddPathSink, mirroring directoryBackedWriter's
// Finalize/Close split.
type tempWriter struct {
	directory filesystem.Directory
	tempName  path.Component
	finalName path.Component
	fw        filesystem.FileWriter
	offset    int64
}

func (w *tempWriter) Write(p []byte) (int, error) {
	n, err := w.fw.WriteAt(p, w.offset)
	w.offset += int64(n)
	return n, err
}

func (w *tempWriter) commit() error {
	if err := w.fw.Close(); err != nil {
		w.directory.Remove(w.tempName)
		return util.StatusWrap(err, "failed to close temporary blob")
	}
	if err := w.directory.Rename(w.tempName, w.directory, w.finalName); err != nil {
		w.directory.Remove(w.tempName)
		return util.StatusWrap(err, "failed to rename temporary blob into place")
	}
	return nil
}

func (w *tempWriter) abort() {
	w.fw.Close()
	w.directory.Remove(w.tempName)
}

// OpenAddPathSink implements ingest.DestStore.
func (s *Store) OpenAddPathSink(ctx context.Context, info storemodel.ValidPathInfo) (ingest.WriteCloseHasher, error) {
	name, err := blobName(info.Path)
	if err != nil {
		return nil, err
	}
	w, err := s.newTempWriter(name)
	if err != nil {
		return nil, err
	}
	return &sink{store: s, info: info, writer: w, hasher: sha256.New()}, nil
}

func (sk *sink) Write(p []byte) (int, error) {
	n, err := sk.writer.Write(p)
	sk.hasher.Write(p[:n])
	return n, err
}

func (sk *sink) Sha256Sum() []byte {
	return sk.hasher.Sum(nil)
}

func (sk *sink) Close() error {
	var sum [32]byte
	copy(sum[:], sk.hasher.Sum(nil))
	if sum != sk.info.NarHash {
		sk.writer.abort()
		return status.Errorf(codes.DataLoss, "nar hash mismatch writing %q", sk.info.Path.String())
	}
	if err := sk.writer.commit(); err != nil {
		return err
	}
	sk.store.PutInfo(sk.info)
	return nil
}
