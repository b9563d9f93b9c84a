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

// Package battery models the tagged variant of test-battery kinds: Rtt
// and BoolTest. Each variant knows its own argument builder and deadline
// multiplier. Adding a battery is adding a tag.
package battery

import "fmt"

// Kind distinguishes the two binary families a battery tag dispatches to.
type Kind int

const (
	KindRtt Kind = iota
	KindBoolTest
)

// Variant is one named battery: its wire tag, the binary family it runs
// under, and whether it is excluded from "all batteries" expansion by
// default (spec.md §9 open question: tu01_bigcrush is excluded from
// "all" submissions unless explicitly requested; the exclusion is
// preserved here).
type Variant struct {
	Tag                string
	Kind               Kind
	DefaultSetExcludes bool
}

// DeadlineMultiplier returns the per-job deadline scale factor for the
// variant's kind: 1.0 for Rtt, 2.2 for BoolTest (spec.md §9).
func (v Variant) DeadlineMultiplier() float64 {
	switch v.Kind {
	case KindBoolTest:
		return 2.2
	default:
		return 1.0
	}
}

// Known battery tags, per the GLOSSARY in spec.md.
var known = map[string]Variant{
	"nist_sts":           {Tag: "nist_sts", Kind: KindRtt},
	"dieharder":          {Tag: "dieharder", Kind: KindRtt},
	"tu01_smallcrush":    {Tag: "tu01_smallcrush", Kind: KindRtt},
	"tu01_crush":         {Tag: "tu01_crush", Kind: KindRtt},
	"tu01_bigcrush":      {Tag: "tu01_bigcrush", Kind: KindRtt, DefaultSetExcludes: true},
	"tu01_rabbit":        {Tag: "tu01_rabbit", Kind: KindRtt},
	"tu01_alphabit":      {Tag: "tu01_alphabit", Kind: KindRtt},
	"tu01_blockalphabit": {Tag: "tu01_blockalphabit", Kind: KindRtt},
	"booltest_1":         {Tag: "booltest_1", Kind: KindBoolTest},
	"booltest_2":         {Tag: "booltest_2", Kind: KindBoolTest},
}

// Lookup resolves a wire tag to its Variant.
func Lookup(tag string) (Variant, error) {
	v, ok := known[tag]
	if !ok {
		return Variant{}, fmt.Errorf("battery: unknown tag %q", tag)
	}
	return v, nil
}

// AllTags returns every tag not excluded from "all batteries" expansion,
// in the glossary's declared order.
func AllTags() []string {
	order := []string{
		"nist_sts", "dieharder", "tu01_smallcrush", "tu01_crush",
		"tu01_bigcrush", "tu01_rabbit", "tu01_alphabit",
		"tu01_blockalphabit", "booltest_1", "booltest_2",
	}
	out := make([]string, 0, len(order))
	for _, tag := range order {
		if !known[tag].DefaultSetExcludes {
			out = append(out, tag)
		}
	}
	return out
}

// ArgBuilder describes the inputs needed to build a test-runner argument
// vector per spec.md §4.5.1.
type ArgBuilder struct {
	ConfigPath    string
	DataPath      string
	ExperimentID  int64
	JobID         int64
	SettingsJSON  string // optional; empty means omit -s
	DBHost        string // optional; empty means omit --db-host/--db-port
	DBPort        int
	WorkerExpPath string // optional; empty means omit --rpath
}

// BuildArgs returns the argv (excluding argv[0], the binary path) for
// invoking the test runner for this variant.
func (v Variant) BuildArgs(b ArgBuilder) []string {
	args := []string{"-b", v.Tag, "-c", b.ConfigPath, "-f", b.DataPath}
	if v.Kind == KindRtt {
		args = append(args, "-r", "db_mysql")
	}
	args = append(args,
		"--eid", fmt.Sprintf("%d", b.ExperimentID),
		"--jid", fmt.Sprintf("%d", b.JobID),
	)
	if b.SettingsJSON != "" {
		args = append(args, "-s", b.SettingsJSON)
	}
	if b.DBHost != "" {
		args = append(args, "--db-host", b.DBHost, "--db-port", fmt.Sprintf("%d", b.DBPort))
	}
	if b.WorkerExpPath != "" {
		args = append(args, "--rpath", b.WorkerExpPath)
	}
	return args
}
