// RTT Worker is a distributed job-execution worker for statistical randomness testing.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package tunnel forwards a local TCP port to a remote host:port over an
// authenticated SSH connection (spec.md §4.7's "forwarded MySQL" mode),
// grounded on rtt_worker.py's SSHForwarderLinux which shells out to the
// ssh binary with -L and an SSH_ASKPASS script. This package forwards
// in-process with golang.org/x/crypto/ssh instead: one fewer external
// binary dependency, and the local/remote pump loop is an ordinary pair
// of io.Copy goroutines rather than a supervised child process.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Params describes the SSH hop and the remote endpoint to reach through it.
type Params struct {
	SSHHost string
	SSHPort int
	User    string

	PrivateKeyPEM      []byte
	PrivateKeyPassword string

	RemoteHost string
	RemotePort int

	// LocalPort is the port to bind on 127.0.0.1. Zero asks the OS for
	// an ephemeral port, mirroring bind_random_port in the original.
	LocalPort int

	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Forwarder listens on a local port and relays each accepted connection
// to the remote host:port through a single shared SSH client connection.
type Forwarder struct {
	params   Params
	client   *ssh.Client
	listener net.Listener

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Start dials the SSH hop, binds the local listener, and begins
// forwarding accepted connections in the background. Call Shutdown to
// stop.
func Start(ctx context.Context, p Params) (*Forwarder, error) {
	signer, err := parseSigner(p.PrivateKeyPEM, p.PrivateKeyPassword)
	if err != nil {
		return nil, fmt.Errorf("tunnel: parse private key: %w", err)
	}

	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            p.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint — matches the original's StrictHostKeyChecking=no
		Timeout:         timeout,
	}

	sshAddr := net.JoinHostPort(p.SSHHost, fmt.Sprintf("%d", p.SSHPort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", sshAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: dial %s: %w", sshAddr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, sshAddr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tunnel: handshake %s: %w", sshAddr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	localAddr := fmt.Sprintf("127.0.0.1:%d", p.LocalPort)
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("tunnel: listen %s: %w", localAddr, err)
	}

	f := &Forwarder{params: p, client: client, listener: ln}
	f.wg.Add(1)
	go f.acceptLoop()

	if p.Logger != nil {
		p.Logger.Info("tunnel established",
			slog.String("local", ln.Addr().String()),
			slog.String("remote", fmt.Sprintf("%s:%d", p.RemoteHost, p.RemotePort)))
	}
	return f, nil
}

// LocalAddr returns the bound local listener address.
func (f *Forwarder) LocalAddr() net.Addr {
	return f.listener.Addr()
}

// LocalPort returns the bound local TCP port.
func (f *Forwarder) LocalPort() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			f.mu.Lock()
			closing := f.closing
			f.mu.Unlock()
			if closing {
				return
			}
			if f.params.Logger != nil {
				f.params.Logger.Warn("tunnel: accept failed", slog.Any("err", err))
			}
			return
		}
		f.wg.Add(1)
		go f.relay(conn)
	}
}

func (f *Forwarder) relay(local net.Conn) {
	defer f.wg.Done()
	defer local.Close()

	remoteAddr := fmt.Sprintf("%s:%d", f.params.RemoteHost, f.params.RemotePort)
	remote, err := f.client.Dial("tcp", remoteAddr)
	if err != nil {
		if f.params.Logger != nil {
			f.params.Logger.Warn("tunnel: dial remote failed", slog.String("remote", remoteAddr), slog.Any("err", err))
		}
		return
	}
	defer remote.Close()

	var pump sync.WaitGroup
	pump.Add(2)
	go func() {
		defer pump.Done()
		_, _ = io.Copy(remote, local)
		if cw, ok := remote.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()
	go func() {
		defer pump.Done()
		_, _ = io.Copy(local, remote)
	}()
	pump.Wait()
}

// Shutdown stops accepting new connections, closes the SSH connection,
// and waits for in-flight relays to finish.
func (f *Forwarder) Shutdown() error {
	f.mu.Lock()
	f.closing = true
	f.mu.Unlock()

	lerr := f.listener.Close()
	cerr := f.client.Close()
	f.wg.Wait()

	if lerr != nil {
		return fmt.Errorf("tunnel: close listener: %w", lerr)
	}
	if cerr != nil {
		return fmt.Errorf("tunnel: close ssh client: %w", cerr)
	}
	return nil
}

func parseSigner(pemBytes []byte, password string) (ssh.Signer, error) {
	if password == "" {
		return ssh.ParsePrivateKey(pemBytes)
	}
	return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(password))
}
