package transport

import (
	"context"
	"net"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// dialContext opens a TCP connection honouring ctx's deadline and
// cancellation, then performs the SSH handshake. golang.org/x/crypto/ssh
// does not itself take a context, so cancellation is only effective
// up to the point the handshake begins; this mirrors the real `ssh`
// client's behaviour, which the original implementation spawned as a
// subprocess.
func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", withDefaultPort(addr))
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// withDefaultPort appends the standard SSH port if addr does not
// already name one.
func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "22")
}

func loadCounter(p *uint64) uint64 {
	return atomic.LoadUint64(p)
}
