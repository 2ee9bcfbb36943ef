package execrunner

import "testing"

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m plain"
	want := "red plain"
	if got := stripANSI(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtFor(t *testing.T) {
	if extFor(KindRunTs) != "ts" {
		t.Error("expected ts")
	}
	if extFor(KindRunJs) != "js" {
		t.Error("expected js")
	}
}

func TestBuildCommandLineDeno(t *testing.T) {
	req := Request{AllowNet: true, Env: map[string]string{"FOO": "bar"}}
	cmd := buildCommandLine(KindRunTs, "/workspace/.run-run-ts-wrapper-x.ts", req)
	if !contains(cmd, "--allow-net") || !contains(cmd, "--allow-env=FOO") {
		t.Errorf("missing expected flags: %s", cmd)
	}
}

func TestBuildCommandLineNode(t *testing.T) {
	req := Request{NodeFlags: []string{"--experimental-vm-modules"}}
	cmd := buildCommandLine(KindRunJs, "/workspace/.run-run-js-wrapper-x.js", req)
	if !contains(cmd, "node") || !contains(cmd, "--experimental-vm-modules") {
		t.Errorf("missing expected flags: %s", cmd)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
