package remotefs

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"tachyon-sftp/internal/domain"
)

// Session is a single authenticated SFTP connection. It is not shared
// between workers — each worker that needs remote I/O opens its own Session,
// per spec §5 ("the SFTP session handle is not shared between workers").
type Session struct {
	host     string
	port     int
	username string

	sshClient  *ssh.Client
	sftpClient *sftp.Client

	log *slog.Logger
}

// Connect opens a TCP connection, performs the SSH handshake and password
// auth, and opens the SFTP subsystem on top of it. It fails fast on any
// step and never retries — the caller decides whether to retry.
//
// Grounded on fileripper's internal/network/session.go Connect(), adapted to
// the password-only auth of original_source/sftp_client.rs::connect (no
// key-auth fallback — the original explicitly rejects a missing password,
// which we mirror here).
func Connect(cfg domain.SftpConfig, log *slog.Logger) (*Session, error) {
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: password required", ErrConnect)
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	sshCfg := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Password),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			log.Debug("accepting host key", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
			return nil
		},
		Timeout: 15 * time.Second,
	}

	sshClient, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("%w: sftp subsystem: %v", ErrConnect, err)
	}

	log.Info("sftp session established", "host", cfg.Host, "port", cfg.Port, "user", cfg.Username)

	return &Session{
		host:       cfg.Host,
		port:       cfg.Port,
		username:   cfg.Username,
		sshClient:  sshClient,
		sftpClient: sftpClient,
		log:        log,
	}, nil
}

// Close tears down the SFTP subsystem and the underlying SSH connection.
func (s *Session) Close() error {
	if s.sftpClient != nil {
		_ = s.sftpClient.Close()
	}
	if s.sshClient != nil {
		return s.sshClient.Close()
	}
	return nil
}
