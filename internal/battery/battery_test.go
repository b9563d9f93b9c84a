package battery

import "testing"

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("not_a_battery"); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}

func TestDeadlineMultiplier(t *testing.T) {
	rtt, err := Lookup("nist_sts")
	if err != nil {
		t.Fatal(err)
	}
	if rtt.DeadlineMultiplier() != 1.0 {
		t.Fatalf("rtt multiplier = %v, want 1.0", rtt.DeadlineMultiplier())
	}

	bt, err := Lookup("booltest_1")
	if err != nil {
		t.Fatal(err)
	}
	if bt.DeadlineMultiplier() != 2.2 {
		t.Fatalf("booltest multiplier = %v, want 2.2", bt.DeadlineMultiplier())
	}
}

func TestAllTagsExcludesBigcrush(t *testing.T) {
	tags := AllTags()
	for _, tag := range tags {
		if tag == "tu01_bigcrush" {
			t.Fatalf("AllTags() must exclude tu01_bigcrush by default, got %v", tags)
		}
	}
	if len(tags) != 9 {
		t.Fatalf("len(AllTags()) = %d, want 9", len(tags))
	}
}

func TestBuildArgsRtt(t *testing.T) {
	v, err := Lookup("dieharder")
	if err != nil {
		t.Fatal(err)
	}
	args := v.BuildArgs(ArgBuilder{
		ConfigPath:   "/cache/cfg/42.json",
		DataPath:     "/cache/data/42.bin",
		ExperimentID: 42,
		JobID:        7,
	})
	want := []string{"-b", "dieharder", "-c", "/cache/cfg/42.json", "-f", "/cache/data/42.bin", "-r", "db_mysql", "--eid", "42", "--jid", "7"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q (full: %v)", i, args[i], want[i], args)
		}
	}
}

func TestBuildArgsBoolTestOmitsDashR(t *testing.T) {
	v, err := Lookup("booltest_2")
	if err != nil {
		t.Fatal(err)
	}
	args := v.BuildArgs(ArgBuilder{
		ConfigPath:   "/cache/cfg/1.json",
		DataPath:     "/cache/data/1.bin",
		ExperimentID: 1,
		JobID:        1,
		DBHost:       "db.internal",
		DBPort:       3306,
	})
	for i, a := range args {
		if a == "-r" {
			t.Fatalf("booltest args must not include -r, got %v at index %d", args, i)
		}
	}
	if args[len(args)-4] != "--db-host" || args[len(args)-3] != "db.internal" {
		t.Fatalf("missing --db-host in %v", args)
	}
}
