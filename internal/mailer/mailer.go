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

// Package mailer sends the experiment-finished notification (spec.md
// §4.6), grounded on files/run_jobs.py's send_email_to_author which
// builds a plain RFC 5322 message by hand and hands it to a local
// smtplib.SMTP('localhost') submission endpoint. No third-party mail
// library appears anywhere in the pack, so this uses stdlib net/smtp
// against 127.0.0.1:25, matching the original's local MTA relay
// assumption exactly. The From: header defaults to defaultSenderAddress
// but is overridable from the Backend INI section's Sender-email.
package mailer

import (
	"bytes"
	"fmt"
	"net/smtp"

	"rttworker/pkg/rtt"
)

const defaultSenderAddress = "RTT Experiments <noreply@rtt-mail.com>"

// Mailer submits experiment-finished notifications through a local SMTP
// relay, the same trust boundary the original worker assumed.
type Mailer struct {
	// Addr is the SMTP submission endpoint, e.g. "127.0.0.1:25".
	Addr string
	// From is the From: header value; defaults to defaultSenderAddress.
	From string
	// SendMail is overridable in tests; defaults to smtp.SendMail.
	SendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New returns a Mailer submitting to addr (spec.md default: 127.0.0.1:25)
// with the From: header set to from, or defaultSenderAddress if from is
// empty.
func New(addr, from string) *Mailer {
	if addr == "" {
		addr = "127.0.0.1:25"
	}
	if from == "" {
		from = defaultSenderAddress
	}
	return &Mailer{Addr: addr, From: from, SendMail: smtp.SendMail}
}

// Results is one battery's pass/total rollup for the notification body.
type Results struct {
	Name        string
	PassedTests int
	TotalTests  int
}

// NotifyFinished sends the completion email to exp.AuthorEmail, if set.
// It is a no-op (not an error) when no author email was recorded, matching
// the original's "if row[0] is not None" guard.
func (m *Mailer) NotifyFinished(exp rtt.Experiment, results []Results) error {
	if exp.AuthorEmail == nil || *exp.AuthorEmail == "" {
		return nil
	}
	msg := buildMessage(exp, *exp.AuthorEmail, results, m.From)
	if err := m.SendMail(m.Addr, nil, m.From, []string{*exp.AuthorEmail}, msg); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", *exp.AuthorEmail, err)
	}
	return nil
}

func buildMessage(exp rtt.Experiment, recipient string, results []Results, from string) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "To: <%s>\n", recipient)
	fmt.Fprintf(&b, "Subject: Experiment \"%s\" was finished\n", exp.Name)
	b.WriteString("\n")
	b.WriteString("Hello,\n")
	b.WriteString("your data analysis is complete. You can find basic experiment\n")
	b.WriteString("information and results below.\n")
	b.WriteString("\n")
	b.WriteString("=== Experiment information ===\n")
	fmt.Fprintf(&b, "ID: %d\n", exp.ID)
	fmt.Fprintf(&b, "Name: %s\n", exp.Name)
	fmt.Fprintf(&b, "Time of creation: %s\n", exp.Created.Format("15:04:05, January 02, 2006"))
	fmt.Fprintf(&b, "Configuration file: %s\n", exp.ConfigFile)
	fmt.Fprintf(&b, "Data file: %s\n", exp.DataFile)
	fmt.Fprintf(&b, "Data hash (SHA-256): %s\n", exp.DataFileSHA256)
	b.WriteString("\n")
	b.WriteString("=== Analysis results ===\n")

	for _, r := range results {
		fmt.Fprintf(&b, "Battery name: %s\n", r.Name)
		fmt.Fprintf(&b, "\tPassed tests: %d\n", r.PassedTests)
		fmt.Fprintf(&b, "\tTotal tests: %d\n", r.TotalTests)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString("Regards,\n")
	b.WriteString("RTT Team\n")
	b.WriteString("__________\n")
	b.WriteString("This e-mail was automatically generated. If you have any questions,\n")
	b.WriteString("please contact your RTT deployment operator.\n")
	b.WriteString("\n")

	return b.Bytes()
}
