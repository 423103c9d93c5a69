package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func serverReader(t *testing.T, magic uint64, major, minor int) *Reader {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUint64(magic))
	require.NoError(t, w.WriteUint64(uint64(major)<<8|uint64(minor)))
	require.NoError(t, w.Flush())
	return NewReader(&buf)
}

func TestHandshakeNegotiatesLesserMinor(t *testing.T) {
	var sent bytes.Buffer
	w := NewWriter(&sent)
	r := serverReader(t, serverMagic, ProtocolVersionMajor, 2)

	require.NoError(t, Handshake(r, w))
	require.Equal(t, 2, r.ProtocolMinor())
	require.Equal(t, 2, w.ProtocolMinor())

	sentReader := NewReader(&sent)
	magic, err := sentReader.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, clientMagic, magic)
	version, err := sentReader.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(ProtocolVersionMajor)<<8|uint64(clientProtocolMinor), version)
}

func TestHandshakeClientMinorIsTheCeiling(t *testing.T) {
	var sent bytes.Buffer
	w := NewWriter(&sent)
	r := serverReader(t, serverMagic, ProtocolVersionMajor, clientProtocolMinor+5)

	require.NoError(t, Handshake(r, w))
	require.Equal(t, clientProtocolMinor, r.ProtocolMinor())
	require.Equal(t, clientProtocolMinor, w.ProtocolMinor())
}

func TestHandshakeRejectsWrongMagic(t *testing.T) {
	var sent bytes.Buffer
	w := NewWriter(&sent)
	r := serverReader(t, 0xdeadbeef, ProtocolVersionMajor, 3)

	err := Handshake(r, w)
	require.Error(t, err)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestHandshakeRejectsWrongMajor(t *testing.T) {
	var sent bytes.Buffer
	w := NewWriter(&sent)
	r := serverReader(t, serverMagic, ProtocolVersionMajor+1, 3)

	err := Handshake(r, w)
	require.Error(t, err)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestHandshakeSurfacesReadErrors(t *testing.T) {
	var sent bytes.Buffer
	w := NewWriter(&sent)
	r := NewReader(bytes.NewReader(nil))

	err := Handshake(r, w)
	require.Error(t, err)
}
