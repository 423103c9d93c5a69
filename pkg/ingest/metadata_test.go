package ingest_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thufschmitt/hydra/pkg/ingest"
	"github.com/thufschmitt/hydra/pkg/storemodel"
	"github.com/thufschmitt/hydra/pkg/transport"
	"github.com/thufschmitt/hydra/pkg/wire"
)

// writeQueryPathInfosResponse writes each given metadata record in
// order followed by the empty-path terminator, mirroring what a peer would send back
// for cmdQueryPathInfos.
func writeQueryPathInfosResponse(t *testing.T, records []struct {
	path, deriver, narHash, ca string
	refs                       []string
	narSize                    uint64
}) *bytes.Buffer {
	var buf bytes.Buffer
	ww := wire.NewWriter(&buf)
	for _, rec := range records {
		require.NoError(t, ww.WriteString(rec.path))
		require.NoError(t, ww.WriteString(rec.deriver))
		require.NoError(t, ww.WriteStringSet(rec.refs))
		require.NoError(t, ww.WriteUint64(0)) // downloadSize
		require.NoError(t, ww.WriteUint64(rec.narSize))
		require.NoError(t, ww.WriteString(rec.narHash))
		require.NoError(t, ww.WriteString(rec.ca))
		require.NoError(t, ww.WriteStringSet(nil)) // sigs
	}
	require.NoError(t, ww.WriteString("")) // terminator
	require.NoError(t, ww.Flush())
	return &buf
}

func TestQueryPathInfosAccumulatesAndParses(t *testing.T) {
	out := storemodel.NewStorePath("/nix/store/bbbb-foo")
	requested := storemodel.NewStorePathSet(out)

	respBuf := writeQueryPathInfosResponse(t, []struct {
		path, deriver, narHash, ca string
		refs                       []string
		narSize                    uint64
	}{
		{path: out.String(), deriver: "", narHash: "", ca: "", refs: nil, narSize: 1234},
	})

	var sent bytes.Buffer
	pair := &transport.FramedPair{Reader: wire.NewReader(respBuf), Writer: wire.NewWriter(&sent)}

	infos, total, err := ingest.QueryPathInfos(pair, requested, 1_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(1234), total)
	require.Contains(t, infos, out)
	require.Equal(t, uint64(1234), infos[out].NarSize)

	sentReader := wire.NewReader(&sent)
	cmd, err := sentReader.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(wire.CmdQueryPathInfos), cmd)
}

func TestQueryPathInfosRejectsUnrequestedPath(t *testing.T) {
	out := storemodel.NewStorePath("/nix/store/bbbb-foo")
	other := storemodel.NewStorePath("/nix/store/cccc-bar")
	requested := storemodel.NewStorePathSet(out)

	respBuf := writeQueryPathInfosResponse(t, []struct {
		path, deriver, narHash, ca string
		refs                       []string
		narSize                    uint64
	}{
		{path: other.String(), narSize: 1},
	})

	var sent bytes.Buffer
	pair := &transport.FramedPair{Reader: wire.NewReader(respBuf), Writer: wire.NewWriter(&sent)}

	_, _, err := ingest.QueryPathInfos(pair, requested, 1_000_000)
	require.Error(t, err)
}

func TestQueryPathInfosExceedsLimit(t *testing.T) {
	big := storemodel.NewStorePath("/nix/store/bbbb-big")
	small := storemodel.NewStorePath("/nix/store/cccc-small")
	requested := storemodel.NewStorePathSet(big, small)

	respBuf := writeQueryPathInfosResponse(t, []struct {
		path, deriver, narHash, ca string
		refs                       []string
		narSize                    uint64
	}{
		{path: big.String(), narSize: 10 * 1_000_000_000},
		{path: small.String(), narSize: 1024},
	})

	var sent bytes.Buffer
	pair := &transport.FramedPair{Reader: wire.NewReader(respBuf), Writer: wire.NewWriter(&sent)}

	_, total, err := ingest.QueryPathInfos(pair, requested, 1_000_000_000)
	require.ErrorIs(t, err, ingest.ErrNarSizeLimitExceeded)
	require.Equal(t, uint64(10*1_000_000_000), total)
}