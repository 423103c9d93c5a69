// Package closure computes transitive reference closures over
// StorePaths and copies artifacts between two stores in dependency
// order. The depth-first traversal is grounded on
// buildbarn-bb-clientd's pkg/cas/tree_directory_walker.go, generalized
// from a CAS directory tree's GetChild shape to a StorePath reference
// graph.
package closure

import (
	"context"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thufschmitt/hydra/pkg/storemodel"
)

// PathInfoProvider is the metadata map the closure walk traverses. It may
// be incomplete: a substituter can have advertised a path that turns
// out not to exist, and the walk must tolerate that by skipping it.
type PathInfoProvider interface {
	Info(p storemodel.StorePath) (storemodel.ValidPathInfo, bool)
}

// MapPathInfoProvider is the simplest PathInfoProvider: a plain map,
// as produced by a store's computeFSClosure collaborator.
type MapPathInfoProvider map[storemodel.StorePath]storemodel.ValidPathInfo

// Info implements PathInfoProvider.
func (m MapPathInfoProvider) Info(p storemodel.StorePath) (storemodel.ValidPathInfo, bool) {
	info, ok := m[p]
	return info, ok
}

// TopoSort performs a depth-first, post-order traversal: for every
// path p in the result, every reference of p that is itself
// in the result appears strictly before p. Paths absent from infos
// are skipped (not an error); self-references are tolerated by the
// visited-set check below, which also makes the walk safe against any
// unexpected cycle.
func TopoSort(roots []storemodel.StorePath, infos PathInfoProvider) []storemodel.StorePath {
	visited := make(map[storemodel.StorePath]bool)
	visiting := make(map[storemodel.StorePath]bool)
	var order []storemodel.StorePath

	var visit func(p storemodel.StorePath)
	visit = func(p storemodel.StorePath) {
		if visited[p] || visiting[p] {
			// Either already emitted, or a cycle closing back
			// on a path currently on the stack (self-reference
			// or an unexpected cycle): skip rather than loop.
			return
		}
		info, ok := infos.Info(p)
		if !ok {
			// Not present in the metadata map: a substituter
			// advertised a path that does not actually exist.
			return
		}
		visiting[p] = true
		for _, ref := range info.References.Sorted() {
			if ref == p {
				continue // self-reference, tolerated
			}
			visit(ref)
		}
		visiting[p] = false
		visited[p] = true
		order = append(order, p)
	}

	for _, root := range roots {
		visit(root)
	}
	return order
}

// Store is the subset of a LocalStore/DestStore that closure
// transfer needs: identity, reading an artifact's NAR bytes, and
// ingesting one.
type Store interface {
	// URI identifies the store; two stores with the same URI are
	// treated as identical and no copy is performed between them.
	URI() string

	// Export streams the NAR bytes of p. Implementations read the
	// path from wherever they hold it (local disk, a remote
	// session, …).
	Export(ctx context.Context, p storemodel.StorePath) (io.ReadCloser, error)

	// Import ingests the NAR bytes of info.Path, validating narHash
	// on add. It must be a no-op, other than recording the metadata,
	// if the path is already valid in the destination.
	Import(ctx context.Context, info storemodel.ValidPathInfo, nar io.Reader) error
}

// CopyClosure computes the closure of roots in src and, if the two
// stores are not identical, streams each artifact from src to dst in
// reverse-topological (dependencies-first) order, without repair,
// signature checking, or substitution fallback.
func CopyClosure(ctx context.Context, src, dst Store, roots []storemodel.StorePath, infos PathInfoProvider) error {
	if src.URI() == dst.URI() {
		return nil
	}

	order := TopoSort(roots, infos)
	for _, p := range order {
		info, ok := infos.Info(p)
		if !ok {
			continue
		}
		if err := copyOne(ctx, src, dst, info); err != nil {
			return err
		}
	}
	return nil
}

func copyOne(ctx context.Context, src, dst Store, info storemodel.ValidPathInfo) error {
	nar, err := src.Export(ctx, info.Path)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to export %s from %s: %s", info.Path, src.URI(), err)
	}
	defer nar.Close()

	if err := dst.Import(ctx, info, nar); err != nil {
		return status.Errorf(codes.Unavailable, "failed to import %s into %s: %s", info.Path, dst.URI(), err)
	}
	return nil
}
