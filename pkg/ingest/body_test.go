package ingest_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/nix-community/go-nix/pkg/nar"
	"github.com/stretchr/testify/require"

	"github.com/thufschmitt/hydra/pkg/ingest"
	"github.com/thufschmitt/hydra/pkg/storemodel"
	"github.com/thufschmitt/hydra/pkg/transport"
	"github.com/thufschmitt/hydra/pkg/wire"
)

// fakeHasher is a minimal WriteCloseHasher that just buffers.
type fakeHasher struct {
	bytes.Buffer
	closed bool
}

func (h *fakeHasher) Close() error {
	h.closed = true
	return nil
}

func (h *fakeHasher) Sha256Sum() []byte { return nil }

type fakeDestStore struct {
	valid map[storemodel.StorePath]bool
	sinks map[storemodel.StorePath]*fakeHasher
	opens []storemodel.StorePath
}

func newFakeDestStore() *fakeDestStore {
	return &fakeDestStore{valid: map[storemodel.StorePath]bool{}, sinks: map[storemodel.StorePath]*fakeHasher{}}
}

func (f *fakeDestStore) HasValidPath(ctx context.Context, p storemodel.StorePath) (bool, error) {
	return f.valid[p], nil
}

func (f *fakeDestStore) OpenAddPathSink(ctx context.Context, info storemodel.ValidPathInfo) (ingest.WriteCloseHasher, error) {
	f.opens = append(f.opens, info.Path)
	h := &fakeHasher{}
	f.sinks[info.Path] = h
	return h, nil
}

func encodeSingleFileNar(t *testing.T, contents string) []byte {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeRegular, Size: int64(len(contents))}))
	_, err = w.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeDumpStorePathResponse(t *testing.T, narBytes []byte) *bytes.Buffer {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	require.NoError(t, w.WriteBytes(narBytes))
	require.NoError(t, w.Flush())
	return &buf
}

func TestTransferBodiesSkipsAlreadyValidPaths(t *testing.T) {
	p := storemodel.NewStorePath("/nix/store/bbbb-foo")
	dest := newFakeDestStore()
	dest.valid[p] = true

	var sent bytes.Buffer
	pair := &transport.FramedPair{Reader: wire.NewReader(bytes.NewReader(nil)), Writer: wire.NewWriter(&sent)}

	infos := map[storemodel.StorePath]storemodel.ValidPathInfo{p: {Path: p}}
	err := ingest.TransferBodies(context.Background(), pair, dest, []storemodel.StorePath{p}, infos, ingest.NewMemberCollector())
	require.NoError(t, err)
	require.Empty(t, dest.opens, "an already-valid path must never be opened or read")
	require.NoError(t, pair.Writer.Flush())
	require.Zero(t, sent.Len(), "nothing must be sent to the peer for a path the destination already has")
}

func TestTransferBodiesStreamsAndExtractsMembers(t *testing.T) {
	p := storemodel.NewStorePath("/nix/store/bbbb-foo")
	narBytes := encodeSingleFileNar(t, "hello world")

	dest := newFakeDestStore()
	var sent bytes.Buffer
	pair := &transport.FramedPair{
		Reader: wire.NewReader(writeDumpStorePathResponse(t, narBytes)),
		Writer: wire.NewWriter(&sent),
	}

	infos := map[storemodel.StorePath]storemodel.ValidPathInfo{p: {Path: p}}
	collector := ingest.NewMemberCollector()

	err := ingest.TransferBodies(context.Background(), pair, dest, []storemodel.StorePath{p}, infos, collector)
	require.NoError(t, err)
	require.Equal(t, []storemodel.StorePath{p}, dest.opens)
	require.True(t, dest.sinks[p].closed)
	require.Equal(t, narBytes, dest.sinks[p].Bytes(), "the sink must receive the raw NAR bytes unchanged")

	member, ok := collector.Get(storemodel.NarMemberKey{Path: p, MemberPath: "/"})
	require.True(t, ok)
	require.True(t, member.IsRegular)
	require.Equal(t, uint64(len("hello world")), member.Size)

	sentReader := wire.NewReader(&sent)
	cmd, err := sentReader.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(wire.CmdDumpStorePath), cmd)
	sentPath, err := sentReader.ReadString()
	require.NoError(t, err)
	require.Equal(t, p.String(), sentPath)
}
