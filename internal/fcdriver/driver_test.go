package fcdriver

import (
	"fmt"
	"testing"
)

func TestDeriveMACDeterministic(t *testing.T) {
	a := DeriveMAC("vm-abc123")
	b := DeriveMAC("vm-abc123")
	if a != b {
		t.Fatalf("expected deterministic MAC, got %s vs %s", a, b)
	}
}

func TestDeriveMACDiffersPerID(t *testing.T) {
	a := DeriveMAC("vm-abc123")
	b := DeriveMAC("vm-xyz789")
	if a == b {
		t.Fatalf("expected distinct MACs, got %s for both", a)
	}
}

func TestDeriveMACIsUnicastAndLocallyAdministered(t *testing.T) {
	mac := DeriveMAC("vm-test")
	var b [6]byte
	n, err := fmt.Sscanf(mac, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		t.Fatalf("failed to parse MAC %s: %v", mac, err)
	}
	if b[0]&0x01 != 0 {
		t.Fatalf("expected unicast bit clear in %s", mac)
	}
	if b[0]&0x02 == 0 {
		t.Fatalf("expected locally-administered bit set in %s", mac)
	}
}
