package wire

// Command is a worker-protocol opcode sent at the start of a request.
type Command uint64

// Commands used by this core.
const (
	CmdBuildDerivation Command = 6
	CmdQueryPathInfos  Command = 14
	CmdDumpStorePath   Command = 18
)

// WriteCommand writes a command opcode.
func (w *Writer) WriteCommand(cmd Command) error {
	return w.WriteUint64(uint64(cmd))
}

// PeerBuildStatus is the peer's raw status integer from a
// cmdBuildDerivation response.
type PeerBuildStatus uint64

// Peer status codes. TimedOut must equal 8 — this is a hard
// compatibility assertion checked at process start.
const (
	PeerStatusBuilt            PeerBuildStatus = 0
	PeerStatusSubstituted      PeerBuildStatus = 1
	PeerStatusAlreadyValid     PeerBuildStatus = 2
	PeerStatusPermanentFailure PeerBuildStatus = 3
	PeerStatusInputRejected    PeerBuildStatus = 4
	PeerStatusOutputRejected   PeerBuildStatus = 5
	PeerStatusTransientFailure PeerBuildStatus = 6
	PeerStatusCachedFailure    PeerBuildStatus = 7 // unused by this core; reserved by the wire protocol
	PeerStatusTimedOut         PeerBuildStatus = 8
	PeerStatusMiscFailure      PeerBuildStatus = 9
	PeerStatusLogLimitExceeded PeerBuildStatus = 10
	PeerStatusNotDeterministic PeerBuildStatus = 11
)

// ReadPeerBuildStatus reads the raw status integer.
func (r *Reader) ReadPeerBuildStatus() (PeerBuildStatus, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return PeerBuildStatus(v), nil
}
