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

package secretbox

import (
	"strings"
	"testing"
)

func TestNewBox(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{name: "valid secret", secret: "test-master-secret", wantErr: false},
		{name: "empty secret", secret: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBox(tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBox() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && b == nil {
				t.Error("NewBox() returned nil box")
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	b, err := NewBox("test-master-secret")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
		wantErr   bool
	}{
		{name: "simple passphrase", plaintext: "hunter2", wantErr: false},
		{name: "complex passphrase", plaintext: "P@ssw0rd!#$%^&*()_+-=[]{}|;:,.<>?", wantErr: false},
		{name: "long passphrase", plaintext: strings.Repeat("a", 1000), wantErr: false},
		{name: "unicode passphrase", plaintext: "パスワード🔐", wantErr: false},
		{name: "empty passphrase", plaintext: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := b.Seal(tt.plaintext)
			if (err != nil) != tt.wantErr {
				t.Errorf("Seal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if sealed == tt.plaintext || sealed == "" {
				t.Error("Seal() did not produce a distinct, non-empty value")
			}
			opened, err := b.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("Open() = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestSealUniqueness(t *testing.T) {
	b, err := NewBox("test-master-secret")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sealed1, err := b.Seal("hunter2")
	if err != nil {
		t.Fatalf("first Seal: %v", err)
	}
	sealed2, err := b.Seal("hunter2")
	if err != nil {
		t.Fatalf("second Seal: %v", err)
	}
	if sealed1 == sealed2 {
		t.Error("sealing the same plaintext twice should produce different ciphertexts")
	}
	for _, s := range []string{sealed1, sealed2} {
		got, err := b.Open(s)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != "hunter2" {
			t.Errorf("Open() = %q, want hunter2", got)
		}
	}
}

func TestOpenWrongMasterSecretFails(t *testing.T) {
	b1, err := NewBox("secret-one")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	b2, err := NewBox("secret-two")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sealed, err := b1.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b2.Open(sealed); err == nil {
		t.Error("Open() with the wrong master secret should fail")
	}
	if _, err := b1.Open(sealed); err != nil {
		t.Errorf("Open() with the correct master secret failed: %v", err)
	}
}

func TestOpenInvalid(t *testing.T) {
	b, err := NewBox("test-master-secret")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	tests := []struct {
		name   string
		sealed string
	}{
		{name: "empty string", sealed: ""},
		{name: "invalid base64", sealed: "not-base64!@#$"},
		{name: "valid base64 but too short", sealed: "dGVzdA=="},
		{name: "valid base64 but not sealed data", sealed: "dGhpcyBpcyBhIGxvbmdlciB0ZXN0IHN0cmluZyBidXQgbm90IGVuY3J5cHRlZA=="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Open(tt.sealed); err == nil {
				t.Error("Open() should fail for invalid input")
			}
		})
	}
}

func TestIsSealed(t *testing.T) {
	b, err := NewBox("test-master-secret")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	sealed, err := b.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "sealed text", text: sealed, want: true},
		{name: "plain text", text: "hunter2", want: false},
		{name: "empty string", text: "", want: false},
		{name: "invalid base64", text: "not-base64!@#$", want: false},
		{name: "valid base64 but too short", text: "dGVzdA==", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSealed(tt.text); got != tt.want {
				t.Errorf("IsSealed() = %v, want %v", got, tt.want)
			}
		})
	}
}
