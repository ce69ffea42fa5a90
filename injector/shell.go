package injector

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// RemoteShell is an open command channel into a guest.
type RemoteShell interface {
	Exec(command string) (stdout, stderr string, exitCode int, err error)
	Close() error
}

// ShellDialer opens remote shells. The production implementation speaks SSH;
// tests substitute a fake.
type ShellDialer interface {
	Dial(host string, port int, user, password string) (RemoteShell, error)
}

// SSHDialer opens SSH connections with a deliberately broad algorithm set. Lab
// guests are often years out of date (that's the point of them), so modern-only
// kex/cipher/MAC defaults would refuse exactly the machines we need to reach.
type SSHDialer struct {
	Timeout time.Duration
}

func broadAlgorithms() ssh.Config {
	return ssh.Config{
		KeyExchanges: []string{
			"curve25519-sha256@libssh.org",
			"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
			"diffie-hellman-group14-sha1",
			"diffie-hellman-group1-sha1",
			"diffie-hellman-group-exchange-sha256",
			"diffie-hellman-group-exchange-sha1",
		},
		Ciphers: []string{
			"aes128-ctr", "aes192-ctr", "aes256-ctr",
			"aes128-gcm@openssh.com",
			"aes128-cbc", "3des-cbc",
			"arcfour256", "arcfour128",
		},
		MACs: []string{
			"hmac-sha2-256-etm@openssh.com",
			"hmac-sha2-256", "hmac-sha1", "hmac-sha1-96",
		},
	}
}

func (d *SSHDialer) Dial(host string, port int, user, password string) (RemoteShell, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	sshConfig := &ssh.ClientConfig{
		Config:          broadAlgorithms(),
		User:            user,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
		},
		Timeout: timeout,
	}

	conn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, port), sshConfig)
	if err != nil {
		return nil, err
	}
	return &sshShell{client: conn}, nil
}

type sshShell struct {
	client *ssh.Client
}

func (s *sshShell) Exec(command string) (string, string, int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", "", -1, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

func (s *sshShell) Close() error {
	return s.client.Close()
}

var _ ShellDialer = &SSHDialer{}
