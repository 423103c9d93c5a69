package ingest

import (
	"context"
	"crypto/sha256"
	"io"
	"sync"

	"github.com/nix-community/go-nix/pkg/nar"

	"github.com/thufschmitt/hydra/pkg/storemodel"
	"github.com/thufschmitt/hydra/pkg/transport"
	"github.com/thufschmitt/hydra/pkg/wire"
)

// WriteCloseHasher is a destination store's add-path sink: an
// io.WriteCloser that can report the sha256 of everything written to
// it once closed. Grounded on flokli-nix-casync's interface of the
// same name.
type WriteCloseHasher interface {
	io.WriteCloser
	Sha256Sum() []byte
}

// DestStore is the destination side of an output transfer.
type DestStore interface {
	// HasValidPath reports whether p is already present and valid in
	// the destination, so TransferBodies can skip it without ever
	// sending cmdDumpStorePath.
	HasValidPath(ctx context.Context, p storemodel.StorePath) (bool, error)

	// OpenAddPathSink opens a sink that will receive the raw NAR bytes
	// for info.Path. Close commits the path into the store; a
	// destination store is expected to validate narHash on close.
	OpenAddPathSink(ctx context.Context, info storemodel.ValidPathInfo) (WriteCloseHasher, error)
}

// MemberCollector is the shared NarMemberData collection updated by
// concurrent TransferBodies calls across steps. It is safe for
// concurrent use.
type MemberCollector struct {
	mu   sync.Mutex
	data map[storemodel.NarMemberKey]storemodel.NarMemberData
}

// NewMemberCollector constructs an empty collector.
func NewMemberCollector() *MemberCollector {
	return &MemberCollector{data: make(map[storemodel.NarMemberKey]storemodel.NarMemberData)}
}

// Add inserts or overwrites the entry for d's (Path, MemberPath).
func (c *MemberCollector) Add(d storemodel.NarMemberData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[storemodel.NarMemberKey{Path: d.Path, MemberPath: d.MemberPath}] = d
}

// Get returns the entry for key, if any.
func (c *MemberCollector) Get(key storemodel.NarMemberKey) (storemodel.NarMemberData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[key]
	return d, ok
}

// TransferBodies ingests, in order, the NAR body of every path in
// order that the destination doesn't already have valid. order is
// expected to already be in reverse-topological order (references
// before referrers) so that the destination can validate each path's
// references as it goes.
//
// For each path the command that fetches its body is only sent once
// the destination actually starts reading — a path the destination
// reports as already valid is never read at all, so nothing is
// transmitted for it.
func TransferBodies(ctx context.Context, pair *transport.FramedPair, dest DestStore, order []storemodel.StorePath, infos map[storemodel.StorePath]storemodel.ValidPathInfo, collector *MemberCollector) error {
	for _, path := range order {
		info, ok := infos[path]
		if !ok {
			continue
		}

		valid, err := dest.HasValidPath(ctx, path)
		if err != nil {
			return err
		}
		if valid {
			continue
		}

		if err := transferOne(ctx, pair, dest, info, collector); err != nil {
			return err
		}
	}
	return nil
}

// lazyBodySource delays sending cmdDumpStorePath until its first
// Read, so a destination that decides not to read a path (after all)
// never causes the command to be issued.
type lazyBodySource struct {
	w       *wire.Writer
	r       *wire.Reader
	path    storemodel.StorePath
	started bool
	body    io.Reader
}

func (s *lazyBodySource) Read(p []byte) (int, error) {
	if !s.started {
		s.started = true
		if err := s.w.WriteCommand(wire.CmdDumpStorePath); err != nil {
			return 0, err
		}
		if err := s.w.WriteString(s.path.String()); err != nil {
			return 0, err
		}
		if err := s.w.Flush(); err != nil {
			return 0, err
		}
		body, err := s.r.ReadBytesStream()
		if err != nil {
			return 0, err
		}
		s.body = body
	}
	return s.body.Read(p)
}

func transferOne(ctx context.Context, pair *transport.FramedPair, dest DestStore, info storemodel.ValidPathInfo, collector *MemberCollector) error {
	sink, err := dest.OpenAddPathSink(ctx, info)
	if err != nil {
		return err
	}

	source := &lazyBodySource{w: pair.Writer, r: pair.Reader, path: info.Path}
	tee := io.TeeReader(source, sink)

	extractErr := extractMembers(info.Path, tee, collector)

	// Drain whatever extractMembers didn't consume so the wire's
	// trailing padding is discarded and the session stays in sync,
	// even if extraction stopped early on error.
	if _, drainErr := io.Copy(io.Discard, tee); drainErr != nil && extractErr == nil {
		extractErr = drainErr
	}

	closeErr := sink.Close()
	if extractErr != nil {
		return extractErr
	}
	return closeErr
}

func extractMembers(path storemodel.StorePath, body io.Reader, collector *MemberCollector) error {
	nr, err := nar.NewReader(body)
	if err != nil {
		return err
	}
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		hasher := sha256.New()
		if _, err := io.Copy(hasher, nr); err != nil {
			return err
		}

		collector.Add(storemodel.NarMemberData{
			Path:        path,
			MemberPath:  hdr.Path,
			IsRegular:   hdr.Type == nar.TypeRegular,
			IsSymlink:   hdr.Type == nar.TypeSymlink,
			IsDirectory: hdr.Type == nar.TypeDirectory,
			Executable:  hdr.Executable,
			Size:        uint64(hdr.Size),
			SHA256:      sha256Array(hasher.Sum(nil)),
		})
	}
}

func sha256Array(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
