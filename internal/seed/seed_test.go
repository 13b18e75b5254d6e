package seed_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	hssh "github.com/talshorer/git-dissect/internal/ssh"
	"github.com/talshorer/git-dissect/internal/sshtest"
	"github.com/talshorer/git-dissect/internal/seed"
)

func dialTestServer(t *testing.T, addr, keyPath string) *hssh.Client {
	t.Helper()
	host, port := sshtest.ParseAddr(t, addr)
	client, err := hssh.Dial(context.Background(), host, hssh.ClientConfig{
		Port:               port,
		IdentityFiles:      []string{keyPath},
		AcceptUnknownHosts: true,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

func TestPushBundle(t *testing.T) {
	sftpRoot := t.TempDir()
	pubKey, keyPath := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t,
		sshtest.WithPublicKey(pubKey),
		sshtest.WithSFTP(sftpRoot),
	)
	defer cleanup()

	client := dialTestServer(t, addr, keyPath)
	defer client.Close()

	localDir := t.TempDir()
	localPath := filepath.Join(localDir, "repo.bundle")
	content := []byte("not a real git bundle, just test bytes\n")
	if err := os.WriteFile(localPath, content, 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	remotePath := filepath.Join(sftpRoot, "seed", "repo.bundle")
	checksum, written, err := seed.PushBundle(context.Background(), client.SSHClient(), localPath, remotePath)
	if err != nil {
		t.Fatalf("PushBundle: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("written = %d, want %d", written, len(content))
	}
	if checksum == "" {
		t.Error("expected a non-empty checksum")
	}

	got, err := os.ReadFile(remotePath)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("uploaded content = %q, want %q", got, content)
	}
}

func TestPushBundleVerifiedUploadAtRoot(t *testing.T) {
	// No server-side corruption path is exercised here: this only checks
	// that an upload straight into the SFTP working directory passes
	// PushBundle's read-back checksum comparison.
	sftpRoot := t.TempDir()
	pubKey, keyPath := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t,
		sshtest.WithPublicKey(pubKey),
		sshtest.WithSFTP(sftpRoot),
	)
	defer cleanup()

	client := dialTestServer(t, addr, keyPath)
	defer client.Close()

	localDir := t.TempDir()
	localPath := filepath.Join(localDir, "repo.bundle")
	if err := os.WriteFile(localPath, []byte("data"), 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	remotePath := filepath.Join(sftpRoot, "repo.bundle")
	if _, _, err := seed.PushBundle(context.Background(), client.SSHClient(), localPath, remotePath); err != nil {
		t.Fatalf("PushBundle: %v", err)
	}
}
