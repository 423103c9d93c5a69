package wire

// init enforces a hard compatibility assertion: the numeric code for
// a timed-out build must equal 8. If this ever
// drifts, every deployment of this core would silently misclassify
// timeouts, so it is checked once at process start rather than left
// as a comment.
func init() {
	if PeerStatusTimedOut != 8 {
		panic("wire: PeerStatusTimedOut must equal 8")
	}
}
