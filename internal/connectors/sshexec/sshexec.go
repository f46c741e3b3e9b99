// Package sshexec implements the ssh transport used to deploy and control
// agents on remote build hosts.
package sshexec

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/connectors/localexec"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
)

// Transport runs commands over SSH, pooling one client per host.
type Transport struct {
	cfg            config.SSH
	connectTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// New creates an ssh transport.
func New(cfg config.SSH, connectTimeout time.Duration, logger *slog.Logger) *Transport {
	return &Transport{
		cfg:            cfg,
		connectTimeout: connectTimeout,
		logger:         logging.OrDiscard(logger),
		clients:        make(map[string]*ssh.Client),
	}
}

// Name returns the protocol name.
func (t *Transport) Name() string { return "ssh" }

func (t *Transport) clientConfig() (*ssh.ClientConfig, error) {
	username := t.cfg.User
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	var auth []ssh.AuthMethod
	if t.cfg.KeyFile != "" {
		key, err := os.ReadFile(localexec.ExpandHome(t.cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if t.cfg.KnownHosts != "" {
		cb, err := knownhosts.New(localexec.ExpandHome(t.cfg.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		t.logger.Debug("ssh host key verification disabled, set remote_execution.ssh.known_hosts to enable")
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.connectTimeout,
	}, nil
}

func (t *Transport) addr(host models.HostRecord) string {
	port := t.cfg.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host.Address, strconv.Itoa(port))
}

// client returns the pooled client for host, dialing if needed.
func (t *Transport) client(ctx context.Context, host models.HostRecord) (*ssh.Client, error) {
	addr := t.addr(host)

	t.mu.Lock()
	c, ok := t.clients[addr]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	cfg, err := t.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})
	c = ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.clients[addr]; ok {
		c.Close()
		return existing, nil
	}
	t.clients[addr] = c
	return c, nil
}

// drop forgets a broken client so the next call redials.
func (t *Transport) drop(host models.HostRecord) {
	addr := t.addr(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[addr]; ok {
		c.Close()
		delete(t.clients, addr)
	}
}

// run executes a command line in a new session.
func (t *Transport) run(ctx context.Context, host models.HostRecord, cmdline string, stdin []byte) (*connectors.ExecResult, error) {
	c, err := t.client(ctx, host)
	if err != nil {
		return nil, err
	}
	session, err := c.NewSession()
	if err != nil {
		t.drop(host)
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			session.Close()
		case <-done:
		}
	}()

	start := time.Now()
	err = session.Run(cmdline)
	result := &connectors.ExecResult{
		Command:  cmdline,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh %s: %w", host.Address, ctx.Err())
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		t.drop(host)
		return nil, fmt.Errorf("ssh %s: %w", host.Address, err)
	}
	return result, nil
}

// Ping opens a session and runs a no-op.
func (t *Transport) Ping(ctx context.Context, host models.HostRecord) error {
	res, err := t.run(ctx, host, "true", nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ping %s: exit %d", host.Address, res.ExitCode)
	}
	return nil
}

// Mkdir ensures dir exists.
func (t *Transport) Mkdir(ctx context.Context, host models.HostRecord, dir string) error {
	return t.check(t.run(ctx, host, "mkdir -p "+connectors.Quote(dir), nil))
}

// Push streams files as a tar archive into dir.
func (t *Transport) Push(ctx context.Context, host models.HostRecord, dir string, files []connectors.File) error {
	archive, err := tarFiles(files)
	if err != nil {
		return err
	}
	cmdline := "mkdir -p " + connectors.Quote(dir) + " && tar -xf - -C " + connectors.Quote(dir)
	return t.check(t.run(ctx, host, cmdline, archive))
}

// Execute runs cmd and waits for it.
func (t *Transport) Execute(ctx context.Context, host models.HostRecord, cmd connectors.Command) (*connectors.ExecResult, error) {
	return t.run(ctx, host, connectors.CommandLine(cmd), nil)
}

// Start launches cmd under setsid so it survives the session closing.
func (t *Transport) Start(ctx context.Context, host models.HostRecord, dir string, cmd connectors.Command) error {
	cmd.Dir = ""
	line := connectors.CommandLine(cmd)
	if len(cmd.Env) > 0 {
		line = "env " + line
	}
	cmdline := fmt.Sprintf("cd %s && (setsid nohup %s > %s 2>&1 < /dev/null & echo $! > %s)",
		connectors.Quote(dir), line, connectors.LogFile, connectors.PIDFile)
	return t.check(t.run(ctx, host, cmdline, nil))
}

// Stop signals the process recorded in dir.
func (t *Transport) Stop(ctx context.Context, host models.HostRecord, dir string) error {
	pidFile := path.Join(dir, connectors.PIDFile)
	cmdline := fmt.Sprintf("kill -TERM $(cat %s) && rm -f %s", connectors.Quote(pidFile), connectors.Quote(pidFile))
	return t.check(t.run(ctx, host, cmdline, nil))
}

// Close closes every pooled client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for addr, c := range t.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(t.clients, addr)
	}
	return errors.Join(errs...)
}

func (t *Transport) check(res *connectors.ExecResult, err error) error {
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s: exit %d: %s", res.Command, res.ExitCode, bytes.TrimSpace([]byte(res.Stderr)))
	}
	return nil
}

// tarFiles packs files into an uncompressed tar archive.
func tarFiles(files []connectors.File) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{
			Name:    f.Name,
			Mode:    mode,
			Size:    int64(len(f.Data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write tar entry: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf.Bytes(), nil
}
