package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()

	dbCreds := writeFile(t, dir, "db_creds.ini", "[Credentials]\nUsername = rtt\nPassword = secret\n")
	storageCreds := writeFile(t, dir, "storage_creds.ini", "[Credentials]\nUsername = sftpuser\nPrivate-key-file = /keys/id_rsa\nPrivate-key-password = keypass\n")

	main := writeFile(t, dir, "main.ini", `
[MySQL-Database]
Name = rtt
Address = db.internal
Port = 3306
Credentials-file = `+dbCreds+`

[Local-cache]
Data-directory = /cache/data
Config-directory = /cache/config

[Storage]
Address = storage.internal
Port = 22
Data-directory = /remote/data
Config-directory = /remote/config
Credentials-file = `+storageCreds+`

[Backend]
Sender-email = noreply@rtt-mail.com
backend-id = worker-1
Maximum-seconds-per-test = 3800
log-dir = /var/log/rtt

[RTT-Binary]
Binary-path = /opt/rtt/rtt-binary
booltest-rtt-path = /opt/rtt/booltest
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Address != "db.internal" || cfg.Database.Port != 3306 {
		t.Fatalf("database section = %+v", cfg.Database)
	}
	if cfg.Database.Creds.Username != "rtt" || cfg.Database.Creds.Password != "secret" {
		t.Fatalf("database creds = %+v", cfg.Database.Creds)
	}
	if cfg.Storage.Creds.PrivateKeyFile != "/keys/id_rsa" {
		t.Fatalf("storage creds = %+v", cfg.Storage.Creds)
	}
	if cfg.Backend.MaxSecondsPerTest != 3800 {
		t.Fatalf("backend max seconds = %d", cfg.Backend.MaxSecondsPerTest)
	}
	if cfg.RTTBinary.BinaryPath != "/opt/rtt/rtt-binary" {
		t.Fatalf("rtt binary path = %q", cfg.RTTBinary.BinaryPath)
	}
}

func TestLoadMissingSection(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.ini", "[Local-cache]\nData-directory = /x\nConfig-directory = /y\n")
	if _, err := Load(main); err == nil {
		t.Fatalf("expected error for missing MySQL-Database section")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/main.ini"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
