package mailer

import (
	"net/smtp"
	"strings"
	"testing"
	"time"

	"rttworker/pkg/rtt"
)

func TestNotifyFinishedSkipsWithoutAuthorEmail(t *testing.T) {
	m := New("", "")
	called := false
	m.SendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		return nil
	}
	exp := rtt.Experiment{ID: 1, Name: "no-author"}
	if err := m.NotifyFinished(exp, nil); err != nil {
		t.Fatalf("NotifyFinished: %v", err)
	}
	if called {
		t.Fatal("expected SendMail not to be called when AuthorEmail is nil")
	}
}

func TestNotifyFinishedBuildsExpectedMessage(t *testing.T) {
	m := New("127.0.0.1:2525", "")
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.SendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	email := "alice@example.com"
	exp := rtt.Experiment{
		ID:             7,
		Name:           "corpus-1",
		AuthorEmail:    &email,
		Created:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ConfigFile:     "cfg.json",
		DataFile:       "data.bin",
		DataFileSHA256: "deadbeef",
	}
	results := []Results{
		{Name: "nist_sts", PassedTests: 180, TotalTests: 188},
		{Name: "dieharder", PassedTests: 111, TotalTests: 114},
	}

	if err := m.NotifyFinished(exp, results); err != nil {
		t.Fatalf("NotifyFinished: %v", err)
	}

	if gotAddr != "127.0.0.1:2525" {
		t.Errorf("addr = %q", gotAddr)
	}
	if gotFrom != defaultSenderAddress {
		t.Errorf("from = %q, want %q", gotFrom, defaultSenderAddress)
	}
	if len(gotTo) != 1 || gotTo[0] != email {
		t.Errorf("to = %v, want [%s]", gotTo, email)
	}

	msg := string(gotMsg)
	for _, want := range []string{
		"Subject: Experiment \"corpus-1\" was finished",
		"To: <alice@example.com>",
		"Data hash (SHA-256): deadbeef",
		"Battery name: nist_sts",
		"\tPassed tests: 180",
		"\tTotal tests: 188",
		"Battery name: dieharder",
		"Regards,\nRTT Team",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q\nfull message:\n%s", want, msg)
		}
	}
}
