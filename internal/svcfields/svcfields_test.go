package svcfields

import "testing"

func TestSubsystem(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"", " . "}, ""},
		{[]string{Core}, "tm.core"},
		{[]string{CLI, ".root."}, "cli.root"},
		{[]string{Lifecycle, "", "init"}, "server.lifecycle.init"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	if WithSubsystem(nil, Core) == nil {
		t.Fatalf("expected a logger")
	}
	if WithTransaction(nil, "") == nil {
		t.Fatalf("expected a logger")
	}
}
