package closure_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thufschmitt/hydra/pkg/closure"
	"github.com/thufschmitt/hydra/pkg/storemodel"
)

func sp(s string) storemodel.StorePath { return storemodel.NewStorePath(s) }

func indexOf(order []storemodel.StorePath, p storemodel.StorePath) int {
	for i, q := range order {
		if q == p {
			return i
		}
	}
	return -1
}

func TestTopoSortOrdersReferencesFirst(t *testing.T) {
	// a -> b -> c, a -> c
	a, b, c := sp("a"), sp("b"), sp("c")
	infos := closure.MapPathInfoProvider{
		a: {Path: a, References: storemodel.NewStorePathSet(b, c)},
		b: {Path: b, References: storemodel.NewStorePathSet(c)},
		c: {Path: c, References: storemodel.NewStorePathSet()},
	}

	order := closure.TopoSort([]storemodel.StorePath{a}, infos)
	require.ElementsMatch(t, []storemodel.StorePath{a, b, c}, order)
	require.Less(t, indexOf(order, c), indexOf(order, b))
	require.Less(t, indexOf(order, b), indexOf(order, a))
}

func TestTopoSortSkipsMissingPaths(t *testing.T) {
	a, ghost := sp("a"), sp("ghost")
	infos := closure.MapPathInfoProvider{
		a: {Path: a, References: storemodel.NewStorePathSet(ghost)},
	}

	order := closure.TopoSort([]storemodel.StorePath{a}, infos)
	require.Equal(t, []storemodel.StorePath{a}, order)
}

func TestTopoSortToleratesSelfReference(t *testing.T) {
	a := sp("a")
	infos := closure.MapPathInfoProvider{
		a: {Path: a, References: storemodel.NewStorePathSet(a)},
	}

	order := closure.TopoSort([]storemodel.StorePath{a}, infos)
	require.Equal(t, []storemodel.StorePath{a}, order)
}

type fakeStore struct {
	uri      string
	nars     map[storemodel.StorePath][]byte
	imported []storemodel.StorePath
}

func (f *fakeStore) URI() string { return f.uri }

func (f *fakeStore) Export(ctx context.Context, p storemodel.StorePath) (io.ReadCloser, error) {
	b, ok := f.nars[p]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytesReader(b)), nil
}

func (f *fakeStore) Import(ctx context.Context, info storemodel.ValidPathInfo, nar io.Reader) error {
	if _, err := io.ReadAll(nar); err != nil {
		return err
	}
	f.imported = append(f.imported, info.Path)
	return nil
}

func bytesReader(b []byte) io.Reader { return io.LimitReader(byteSliceReader{b}, int64(len(b))) }

type byteSliceReader struct{ b []byte }

func (r byteSliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	return n, io.EOF
}

func TestCopyClosureSkipsIdenticalStores(t *testing.T) {
	a := sp("a")
	infos := closure.MapPathInfoProvider{a: {Path: a}}
	src := &fakeStore{uri: "same://store", nars: map[storemodel.StorePath][]byte{a: []byte("nar")}}
	dst := &fakeStore{uri: "same://store"}

	err := closure.CopyClosure(context.Background(), src, dst, []storemodel.StorePath{a}, infos)
	require.NoError(t, err)
	require.Empty(t, dst.imported)
}

func TestCopyClosureCopiesInDependencyOrder(t *testing.T) {
	a, b := sp("a"), sp("b")
	infos := closure.MapPathInfoProvider{
		a: {Path: a, References: storemodel.NewStorePathSet(b)},
		b: {Path: b},
	}
	src := &fakeStore{uri: "src", nars: map[storemodel.StorePath][]byte{
		a: []byte("a-nar"),
		b: []byte("b-nar"),
	}}
	dst := &fakeStore{uri: "dst"}

	err := closure.CopyClosure(context.Background(), src, dst, []storemodel.StorePath{a}, infos)
	require.NoError(t, err)
	require.Equal(t, []storemodel.StorePath{b, a}, dst.imported)
}
