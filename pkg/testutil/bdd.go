package testutil

import "testing"

// Scenario, Given, When and Then name nested subtests so a failing step reads
// like the behaviour it checks.
func Scenario(t *testing.T, name string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Scenario", name, fn)
}

func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Given", desc, fn)
}

func When(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "When", desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Then", desc, fn)
}

// step stops the enclosing test when the subtest fails so later steps do not
// run against broken state.
func step(t *testing.T, keyword, desc string, fn func(t *testing.T)) {
	t.Helper()
	if !t.Run(keyword+" "+desc, fn) {
		t.FailNow()
	}
}
