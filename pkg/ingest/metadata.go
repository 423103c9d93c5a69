// Package ingest retrieves remote path metadata and streams output
// bodies into a destination store, extracting per-member NAR metadata
// along the way. It is grounded on the WriteCloseHasher shape from
// flokli-nix-casync's binarycachestore.go and on go-nix's nar decoder.
package ingest

import (
	"github.com/nix-community/go-nix/pkg/nixbase32"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thufschmitt/hydra/pkg/storemodel"
	"github.com/thufschmitt/hydra/pkg/transport"
	"github.com/thufschmitt/hydra/pkg/wire"
)

// ErrNarSizeLimitExceeded is returned by QueryPathInfos once the
// running total of narSize across all requested outputs passes the
// configured ceiling. The caller maps it to StepStatusNarSizeLimitExceeded
// and never proceeds to TransferBodies.
var ErrNarSizeLimitExceeded = status.Error(codes.ResourceExhausted, "total output size exceeds the configured ceiling")

// QueryPathInfos sends cmdQueryPathInfos for requested and reads
// records until the empty-path marker, validating each against the
// requested set and accumulating narSize. If the running total passes
// maxOutputSize it returns ErrNarSizeLimitExceeded immediately,
// without reading the remaining records.
func QueryPathInfos(pair *transport.FramedPair, requested storemodel.StorePathSet, maxOutputSize uint64) (map[storemodel.StorePath]storemodel.ValidPathInfo, uint64, error) {
	w, r := pair.Writer, pair.Reader

	if err := w.WriteCommand(wire.CmdQueryPathInfos); err != nil {
		return nil, 0, err
	}
	paths := make([]string, 0, len(requested))
	for p := range requested {
		paths = append(paths, p.String())
	}
	if err := w.WriteStringSet(paths); err != nil {
		return nil, 0, err
	}
	if err := w.Flush(); err != nil {
		return nil, 0, err
	}

	infos := make(map[storemodel.StorePath]storemodel.ValidPathInfo, len(requested))
	var totalNarSize uint64

	for {
		storePath, err := r.ReadString()
		if err != nil {
			return nil, 0, err
		}
		if storePath == "" {
			break
		}
		path := storemodel.NewStorePath(storePath)
		if _, ok := requested[path]; !ok {
			return nil, 0, status.Errorf(codes.Internal, "peer reported metadata for unrequested path %q", storePath)
		}

		deriverStr, err := r.ReadString()
		if err != nil {
			return nil, 0, err
		}
		refStrs, err := r.ReadStringSet()
		if err != nil {
			return nil, 0, err
		}
		if _, err := r.ReadUint64(); err != nil { // downloadSize, discarded
			return nil, 0, err
		}
		narSize, err := r.ReadUint64()
		if err != nil {
			return nil, 0, err
		}
		narHashStr, err := r.ReadString()
		if err != nil {
			return nil, 0, err
		}
		contentAddress, err := r.ReadString()
		if err != nil {
			return nil, 0, err
		}
		if _, err := r.ReadStringSet(); err != nil { // sigs, discarded
			return nil, 0, err
		}

		narHash, err := decodeNarHash(narHashStr)
		if err != nil {
			return nil, 0, err
		}

		refs := make([]storemodel.StorePath, 0, len(refStrs))
		for s := range refStrs {
			refs = append(refs, storemodel.NewStorePath(s))
		}

		var deriver storemodel.StorePath
		if deriverStr != "" {
			deriver = storemodel.NewStorePath(deriverStr)
		}

		infos[path] = storemodel.ValidPathInfo{
			Path:           path,
			Deriver:        deriver,
			References:     storemodel.NewStorePathSet(refs...),
			NarSize:        narSize,
			NarHash:        narHash,
			ContentAddress: contentAddress,
		}

		totalNarSize += narSize
		if totalNarSize > maxOutputSize {
			return infos, totalNarSize, ErrNarSizeLimitExceeded
		}
	}

	return infos, totalNarSize, nil
}

// decodeNarHash decodes the wire's nixbase32-encoded sha256 digest.
func decodeNarHash(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	decoded, err := nixbase32.DecodeString(s)
	if err != nil {
		return out, status.Errorf(codes.Internal, "malformed narHash %q: %s", s, err)
	}
	if len(decoded) != len(out) {
		return out, status.Errorf(codes.Internal, "narHash %q decodes to %d bytes, want %d", s, len(decoded), len(out))
	}
	copy(out[:], decoded)
	return out, nil
}
