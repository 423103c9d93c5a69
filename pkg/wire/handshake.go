package wire

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// clientMagic and serverMagic are the two sides' opening handshake
// words, exchanged before either side speaks a single typed command.
// Any stream that doesn't start with the expected magic is not a peer
// speaking this protocol at all, rather than a peer speaking a
// different version of it.
const (
	clientMagic uint64 = 0x390c9deb
	serverMagic uint64 = 0x5452eecb
)

// Handshake performs the client side of version negotiation: send
// our magic and version, read the peer's magic and version, and
// record the negotiated minor on both halves of pair so that
// version-gated callers (builddriver, ingest) see it.
//
// The negotiated minor is the lesser of the two sides' minors, since
// neither side may rely on a field the other doesn't also support.
func Handshake(r *Reader, w *Writer) error {
	if err := w.WriteUint64(clientMagic); err != nil {
		return err
	}
	if err := w.WriteUint64(ProtocolVersionMajor<<8 | clientProtocolMinor); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	magic, err := r.ReadUint64()
	if err != nil {
		return err
	}
	if magic != serverMagic {
		return status.Errorf(codes.Unavailable, "peer did not speak the expected handshake (got magic %#x)", magic)
	}
	remoteVersion, err := r.ReadUint64()
	if err != nil {
		return err
	}
	remoteMajor := int(remoteVersion >> 8)
	remoteMinor := int(remoteVersion & 0xff)
	if remoteMajor != ProtocolVersionMajor {
		return status.Errorf(codes.Unavailable, "peer speaks protocol major %d, this core speaks %d", remoteMajor, ProtocolVersionMajor)
	}

	minor := remoteMinor
	if clientProtocolMinor < minor {
		minor = clientProtocolMinor
	}
	r.SetProtocolMinor(minor)
	w.SetProtocolMinor(minor)
	return nil
}

// clientProtocolMinor is the highest minor version this core knows
// how to speak; the highest version gate callers check is minor >= 7
// (builddriver's keepFailed field).
const clientProtocolMinor = 7
