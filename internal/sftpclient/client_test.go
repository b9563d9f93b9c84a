package sftpclient

import "testing"

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"/data/42.bin":     "'/data/42.bin'",
		"/it's/a/path.bin": `'/it'\''s/a/path.bin'`,
		"":                 "''",
		"plain":            "'plain'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnwrapStoredPassphrasePlaintext(t *testing.T) {
	got, err := UnwrapStoredPassphrase("plaintext-password", "master-secret")
	if err != nil {
		t.Fatalf("UnwrapStoredPassphrase: %v", err)
	}
	if got != "plaintext-password" {
		t.Fatalf("got %q, want passthrough of unencrypted value", got)
	}
}
