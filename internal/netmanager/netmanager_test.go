package netmanager

import "testing"

func TestNewSubnetAllocatorRejectsNonIPv4Mask(t *testing.T) {
	if _, err := NewSubnetAllocator("not-a-cidr"); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestAllocateSequential(t *testing.T) {
	a, err := NewSubnetAllocator("172.16.0.0/16")
	if err != nil {
		t.Fatal(err)
	}
	c1, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	c2, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if c1.TapName == c2.TapName {
		t.Fatalf("expected distinct tap names, got %s twice", c1.TapName)
	}
	if c1.HostIp != "172.16.0.1" || c1.GuestIp != "172.16.0.2" {
		t.Fatalf("unexpected first block IPs: host=%s guest=%s", c1.HostIp, c1.GuestIp)
	}
	if c2.HostIp != "172.16.0.5" || c2.GuestIp != "172.16.0.6" {
		t.Fatalf("unexpected second block IPs: host=%s guest=%s", c2.HostIp, c2.GuestIp)
	}
}

func TestAllocateThenReleaseReuses(t *testing.T) {
	a, err := NewSubnetAllocator("172.16.0.0/16")
	if err != nil {
		t.Fatal(err)
	}
	c1, _ := a.Allocate()
	a.Release(c1.TapName)
	if !a.CanAllocateSpecific(c1.TapName) {
		t.Fatalf("expected %s to be free after release", c1.TapName)
	}
}

func TestAllocateSpecificRejectsInUse(t *testing.T) {
	a, err := NewSubnetAllocator("172.16.0.0/16")
	if err != nil {
		t.Fatal(err)
	}
	c1, _ := a.Allocate()
	if _, err := a.AllocateSpecific(c1.TapName); err == nil {
		t.Fatal("expected error allocating an in-use tap")
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a, err := NewSubnetAllocator("172.16.0.0/30")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(); err == nil {
		t.Fatal("expected pool exhaustion error")
	}
}

func TestAllowlistChainNameBounded(t *testing.T) {
	chain := allowlistChain("a-very-long-vm-identifier-that-exceeds-the-cap")
	if len(chain) > len("vm-")+16 {
		t.Fatalf("chain name too long: %s", chain)
	}
}
