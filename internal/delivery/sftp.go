package delivery

import (
	"context"
	"io"
	"net"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"example.com/backstage/services/billing/internal/models"
)

const sftpDefaultPort = "22"

// sftpSession is the remote-filesystem slice of an established SFTP
// connection. Closing it tears down both the SFTP and SSH layers.
type sftpSession interface {
	MkdirAll(remotePath string) error
	Create(remotePath string) (io.WriteCloser, error)
	Close() error
}

// SFTPTransport uploads a part to the file path embedded in an
// sftp:// destination URL. Every send dials, uploads and disconnects.
type SFTPTransport struct {
	timeout time.Duration
	dial    func(ctx context.Context, addr string, config *ssh.ClientConfig) (sftpSession, error)
}

func NewSFTPTransport(timeout time.Duration) *SFTPTransport {
	return &SFTPTransport{
		timeout: timeout,
		dial:    dialSFTP,
	}
}

func (t *SFTPTransport) Type() models.TransportType {
	return models.TransportTypeSFTP
}

func (t *SFTPTransport) Send(ctx context.Context, part *EncodedPart, instructions *TransportInstructions) error {
	defer closePart(part)

	addr, remotePath, err := parseSFTPDestination(instructions.DestinationURL)
	if err != nil {
		return err
	}

	auth, err := sftpAuthMethod(instructions)
	if err != nil {
		return err
	}
	config := &ssh.ClientConfig{
		User:            instructions.ClientID,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.timeout,
	}

	session, err := t.dial(ctx, addr, config)
	if err != nil {
		return &TransportError{Op: "sftp dial", Err: err}
	}
	defer session.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		// best effort, the directory usually already exists
		_ = session.MkdirAll(dir)
	}
	remote, err := session.Create(remotePath)
	if err != nil {
		return &DeliveryError{Message: "create " + remotePath + ": " + err.Error()}
	}
	if _, err := io.Copy(remote, part.Data); err != nil {
		_ = remote.Close()
		return &DeliveryError{Message: "upload " + remotePath + ": " + err.Error()}
	}
	if err := remote.Close(); err != nil {
		return &DeliveryError{Message: "close " + remotePath + ": " + err.Error()}
	}
	return nil
}

func parseSFTPDestination(destination string) (addr, remotePath string, err error) {
	u, err := url.Parse(destination)
	if err != nil {
		return "", "", NewConfigurationError("invalid sftp destination %q: %v", destination, err)
	}
	if u.Scheme != "sftp" {
		return "", "", NewConfigurationError("sftp destination must use the sftp scheme, got %q", destination)
	}
	if u.Hostname() == "" || u.Path == "" {
		return "", "", NewConfigurationError("sftp destination %q is missing a host or file path", destination)
	}
	port := u.Port()
	if port == "" {
		port = sftpDefaultPort
	}
	return net.JoinHostPort(u.Hostname(), port), u.Path, nil
}

// sftpAuthMethod picks key auth when the resolved secret is PEM-encoded
// private key material, password auth otherwise.
func sftpAuthMethod(instructions *TransportInstructions) (ssh.AuthMethod, error) {
	secret := instructions.ClientSecret
	if !strings.Contains(secret, "PRIVATE KEY") {
		return ssh.Password(secret), nil
	}
	signer, err := ssh.ParsePrivateKey([]byte(secret))
	if err != nil {
		return nil, NewConfigurationError("invalid sftp private key: %v", err)
	}
	return ssh.PublicKeys(signer), nil
}

// dialSFTP establishes the SSH connection through a context-aware dialer
// and layers an SFTP client on top of it.
func dialSFTP(ctx context.Context, addr string, config *ssh.ClientConfig) (sftpSession, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, err
	}
	return &sftpConnection{ssh: sshClient, sftp: client}, nil
}

type sftpConnection struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *sftpConnection) MkdirAll(remotePath string) error {
	return c.sftp.MkdirAll(remotePath)
}

func (c *sftpConnection) Create(remotePath string) (io.WriteCloser, error) {
	return c.sftp.Create(remotePath)
}

func (c *sftpConnection) Close() error {
	err := c.sftp.Close()
	if sshErr := c.ssh.Close(); err == nil {
		err = sshErr
	}
	return err
}
