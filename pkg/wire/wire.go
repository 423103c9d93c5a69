// Package wire implements the length-prefixed, little-endian, 8-byte
// aligned typed stream used between this core and a remote worker.
// It exposes typed Read/Write helpers over a bidirectional
// byte stream and protocol minor-version negotiation.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ProtocolVersionMajor is the major protocol version this core
// speaks. Peers with a different major version cannot be used.
const ProtocolVersionMajor = 1

// Reader reads typed values off the wire. It is not safe for
// concurrent use; each framed pair belongs to exactly one logical
// task at a time.
type Reader struct {
	r *bufio.Reader
	// protocolMinor is set once during version negotiation and
	// consulted by callers (builddriver, ingest) to decide which
	// optional fields to read. It is never used internally by
	// Reader to change its own framing, only by callers.
	protocolMinor int
}

// NewReader wraps r with the wire's typed decoder.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// SetProtocolMinor records the negotiated minor version, so that
// ProtocolMinor can report it to callers.
func (r *Reader) SetProtocolMinor(minor int) {
	r.protocolMinor = minor
}

// ProtocolMinor returns the negotiated minor version. Callers must
// never read a field gated behind a higher minor than this.
func (r *Reader) ProtocolMinor() int {
	return r.protocolMinor
}

// ReadUint64 reads an unsigned 64-bit little-endian integer.
func (r *Reader) ReadUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, wrapReadErr(err, "integer")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadBool reads a wire integer and interprets any nonzero value as
// true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadBytes reads a length-prefixed byte string, padded to an 8-byte
// boundary.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, wrapReadErr(err, "byte string body")
	}
	if pad := paddedSize(n) - n; pad > 0 {
		if _, err := io.CopyN(io.Discard, r.r, int64(pad)); err != nil {
			return nil, wrapReadErr(err, "byte string padding")
		}
	}
	return buf, nil
}

// ReadString reads a length-prefixed, padded byte string as a string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadStrings reads a count-prefixed sequence of strings.
func (r *Reader) ReadStrings() ([]string, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadStringSet reads a count-prefixed set of strings. The wire shape
// is identical to a sequence; the distinction is semantic only.
func (r *Reader) ReadStringSet() (map[string]struct{}, error) {
	items, err := r.ReadStrings()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set, nil
}

// ReadBytesStream reads the length prefix of a byte string and
// returns a reader bounded to its body, without buffering the body
// itself in memory. The returned reader discards the trailing padding
// once its body is fully drained, so the stream stays in sync for
// whatever the caller reads next — callers must read it to EOF.
func (r *Reader) ReadBytesStream() (io.Reader, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	return &byteStringStream{r: r.r, remaining: n, pad: paddedSize(n) - n}, nil
}

type byteStringStream struct {
	r         *bufio.Reader
	remaining uint64
	pad       uint64
	padDone   bool
}

func (s *byteStringStream) Read(p []byte) (int, error) {
	if s.remaining == 0 {
		if !s.padDone {
			s.padDone = true
			if s.pad > 0 {
				if _, err := io.CopyN(io.Discard, s.r, int64(s.pad)); err != nil {
					return 0, wrapReadErr(err, "byte string padding")
				}
			}
		}
		return 0, io.EOF
	}
	if uint64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.r.Read(p)
	s.remaining -= uint64(n)
	if err != nil && err != io.EOF {
		return n, wrapReadErr(err, "byte string body")
	}
	return n, err
}

// Writer writes typed values to the wire. Like Reader, it is owned by
// exactly one logical task at a time.
type Writer struct {
	w             *bufio.Writer
	protocolMinor int
}

// NewWriter wraps w with the wire's typed encoder.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// SetProtocolMinor records the negotiated minor version, so that
// callers can gate optional fields on ProtocolMinor.
func (w *Writer) SetProtocolMinor(minor int) {
	w.protocolMinor = minor
}

// ProtocolMinor returns the negotiated minor version.
func (w *Writer) ProtocolMinor() int {
	return w.protocolMinor
}

// WriteUint64 writes an unsigned 64-bit little-endian integer.
func (w *Writer) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.w.Write(buf[:])
	return wrapWriteErr(err, "integer")
}

// WriteBool writes a boolean as a wire integer (0 or 1).
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteUint64(1)
	}
	return w.WriteUint64(0)
}

// WriteBytes writes a length-prefixed byte string, padded to an
// 8-byte boundary.
func (w *Writer) WriteBytes(b []byte) error {
	if err := w.WriteUint64(uint64(len(b))); err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return wrapWriteErr(err, "byte string body")
	}
	if pad := paddedSize(uint64(len(b))) - uint64(len(b)); pad > 0 {
		var zero [8]byte
		if _, err := w.w.Write(zero[:pad]); err != nil {
			return wrapWriteErr(err, "byte string padding")
		}
	}
	return nil
}

// WriteString writes a length-prefixed, padded string.
func (w *Writer) WriteString(s string) error {
	return w.WriteBytes([]byte(s))
}

// WriteStrings writes a count-prefixed sequence of strings.
func (w *Writer) WriteStrings(items []string) error {
	if err := w.WriteUint64(uint64(len(items))); err != nil {
		return err
	}
	for _, s := range items {
		if err := w.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteStringSet writes a count-prefixed set of strings. Iteration
// order is the slice's order; callers that need determinism should
// sort before calling.
func (w *Writer) WriteStringSet(set []string) error {
	return w.WriteStrings(set)
}

// Flush flushes buffered writes to the underlying stream. Callers
// must do this before expecting any response.
func (w *Writer) Flush() error {
	return wrapWriteErr(w.w.Flush(), "flush")
}

// paddedSize rounds n up to the next multiple of 8.
func paddedSize(n uint64) uint64 {
	return (n + 7) &^ 7
}

func wrapReadErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return status.Errorf(codes.Unavailable, "unexpected end of stream while reading %s", what)
	}
	return status.Errorf(codes.Unavailable, "failed to read %s: %s", what, err)
}

func wrapWriteErr(err error, what string) error {
	if err == nil {
		return nil
	}
	return status.Errorf(codes.Unavailable, "failed to write %s: %s", what, err)
}
