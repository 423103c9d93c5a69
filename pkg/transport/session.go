// Package transport implements the long-running connection to a
// single remote worker: an authenticated SSH session wrapping
// the worker's protocol stdio, framed read/write halves, cumulative
// byte counters, and graceful close.
package transport

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thufschmitt/hydra/pkg/storemodel"
	"github.com/thufschmitt/hydra/pkg/wire"
)

// RemoteCommand is the base command run on the worker once the SSH
// session is open; it speaks the worker protocol on its stdio. Nix's
// own daemon calls this "nix-store --serve --write". remoteCommand
// appends the machine's configured system-features, the Go analogue
// of openStore's `{"system-features", concatStringsSep(",",
// machine->supportedFeatures)}` store param.
const RemoteCommand = "nix-store --serve --write"

// remoteCommand builds the full command line to start on the worker,
// threading supportedFeatures through as a comma-joined
// --system-features argument. An empty feature set omits the flag
// entirely rather than passing it empty.
func remoteCommand(supportedFeatures []string) string {
	if len(supportedFeatures) == 0 {
		return RemoteCommand
	}
	return RemoteCommand + " --system-features " + strings.Join(supportedFeatures, ",")
}

// FramedPair is the paired reader/writer half of an open session.
// openConnection() is idempotent for an established session:
// repeated calls return the same FramedPair.
type FramedPair struct {
	Reader *wire.Reader
	Writer *wire.Writer

	// buildGate ensures at most one concurrent build command is in
	// flight on this session. Callers issuing cmdBuildDerivation must
	// acquire it before writing and release it once the response has
	// been fully read.
	buildGate *semaphore.Weighted
}

// NewFramedPair wraps an already-established reader/writer pair with a
// fresh build-slot gate. Session.Open is the only production caller;
// it also lets tests exercise a pair's AcquireBuildSlot/ReleaseBuildSlot
// behavior without a real SSH dial.
func NewFramedPair(r *wire.Reader, w *wire.Writer) *FramedPair {
	return &FramedPair{
		Reader:    r,
		Writer:    w,
		buildGate: semaphore.NewWeighted(1),
	}
}

// AcquireBuildSlot blocks until no other build command is in flight
// on this session, or ctx is done.
func (f *FramedPair) AcquireBuildSlot(ctx context.Context) error {
	if err := f.buildGate.Acquire(ctx, 1); err != nil {
		return status.Errorf(codes.Canceled, "waiting for exclusive use of the build session: %s", err)
	}
	return nil
}

// ReleaseBuildSlot releases the slot acquired by AcquireBuildSlot.
func (f *FramedPair) ReleaseBuildSlot() {
	f.buildGate.Release(1)
}

// Session is a long-running connection to one worker machine. It is
// created at orchestration start and destroyed (with its byte
// counters read) on all exit paths.
type Session struct {
	machine *storemodel.Machine
	logFd   io.Writer // receives the peer's stderr

	mu         sync.Mutex
	client     *ssh.Client
	sshSession *ssh.Session
	pair       *FramedPair

	bytesRead    uint64
	bytesWritten uint64
}

// NewSession constructs a Session for machine; it does not connect
// until Open is called.
func NewSession(machine *storemodel.Machine, logFd io.Writer) *Session {
	return &Session{
		machine: machine,
		logFd:   logFd,
	}
}

// sshAuthMethod turns the machine's configured key material into an
// ssh.AuthMethod. Real deployments load a private key from sshKey (a
// path or PEM blob); both are supported here.
func sshAuthMethod(sshKey string) (ssh.AuthMethod, error) {
	keyBytes := []byte(sshKey)
	if !strings.Contains(sshKey, "PRIVATE KEY") {
		data, err := os.ReadFile(sshKey)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "failed to read SSH private key file %q: %s", sshKey, err)
		}
		keyBytes = data
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to parse SSH private key for machine: %s", err)
	}
	return ssh.PublicKeys(signer), nil
}

// Open establishes the SSH connection and starts the remote protocol
// command, configured with maxConnections=1 and a comma-joined
// systemFeatures string. It also creates the framed pair and runs the
// version handshake on it; OpenConnection returns that pair.
func (s *Session) Open(ctx context.Context) error {
	auth, err := sshAuthMethod(s.machine.SSHKey)
	if err != nil {
		return err
	}

	config := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	client, err := dialContext(ctx, s.machine.SSHName, config)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to open SSH connection to %s: %s", s.machine.SSHName, err)
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return status.Errorf(codes.Unavailable, "failed to open SSH session on %s: %s", s.machine.SSHName, err)
	}
	sess.Stderr = s.logFd

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return status.Errorf(codes.Unavailable, "failed to obtain stdin pipe on %s: %s", s.machine.SSHName, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return status.Errorf(codes.Unavailable, "failed to obtain stdout pipe on %s: %s", s.machine.SSHName, err)
	}

	if err := sess.Start(remoteCommand(s.machine.SupportedFeatures)); err != nil {
		sess.Close()
		client.Close()
		return status.Errorf(codes.Unavailable, "failed to start remote protocol command on %s: %s", s.machine.SSHName, err)
	}

	pair := NewFramedPair(
		wire.NewReader(newCountingReader(stdout, &s.bytesRead)),
		wire.NewWriter(newCountingWriter(stdin, &s.bytesWritten)),
	)
	if err := wire.Handshake(pair.Reader, pair.Writer); err != nil {
		sess.Close()
		client.Close()
		return status.Errorf(codes.Unavailable, "failed to negotiate protocol version with %s: %s", s.machine.SSHName, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
	s.sshSession = sess
	s.pair = pair
	return nil
}

// OpenConnection yields the session's framed pair. It is idempotent:
// once established, repeated calls return the same pair.
func (s *Session) OpenConnection() (*FramedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil {
		return nil, status.Error(codes.FailedPrecondition, "session is not open")
	}
	return s.pair, nil
}

// BytesRead returns the cumulative number of bytes read off the wire
// so far.
func (s *Session) BytesRead() uint64 {
	return loadCounter(&s.bytesRead)
}

// BytesWritten returns the cumulative number of bytes written to the
// wire so far.
func (s *Session) BytesWritten() uint64 {
	return loadCounter(&s.bytesWritten)
}

// Close flushes and releases the underlying transport. It is safe to
// call multiple times and on a session that was never fully opened.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.pair != nil {
		if err := s.pair.Writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.sshSession != nil {
		if err := s.sshSession.Close(); err != nil && err != io.EOF && firstErr == nil {
			firstErr = status.Errorf(codes.Unavailable, "failed to close remote protocol session: %s", err)
		}
		s.sshSession = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = status.Errorf(codes.Unavailable, "failed to close SSH connection: %s", err)
		}
		s.client = nil
	}
	s.pair = nil
	return firstErr
}
