package vmservice

import (
	"testing"

	"github.com/vmforge/manager/pkg/apierror"
	"github.com/vmforge/manager/pkg/types"
)

func testService() *Service {
	return &Service{
		cfg: Config{
			Limits: Limits{
				MaxVms:            10,
				MaxCpu:            4,
				MaxMemMb:          4096,
				MaxAllowIps:       32,
				MaxExecTimeoutMs:  30000,
				MaxRunTsTimeoutMs: 30000,
			},
		},
	}
}

func TestValidateCreateRejectsCpuOutOfBounds(t *testing.T) {
	s := testService()
	err := s.validateCreate(types.CreateVmRequest{Cpu: 0, MemMb: 512})
	if err == nil {
		t.Fatal("expected error for cpu=0")
	}
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Kind != apierror.Validation {
		t.Fatalf("expected Validation error, got %v", err)
	}

	if err := s.validateCreate(types.CreateVmRequest{Cpu: 5, MemMb: 512}); err == nil {
		t.Fatal("expected error for cpu exceeding max")
	}
}

func TestValidateCreateRejectsMemOutOfBounds(t *testing.T) {
	s := testService()
	if err := s.validateCreate(types.CreateVmRequest{Cpu: 1, MemMb: 0}); err == nil {
		t.Fatal("expected error for memMb=0")
	}
	if err := s.validateCreate(types.CreateVmRequest{Cpu: 1, MemMb: 5000}); err == nil {
		t.Fatal("expected error for memMb exceeding max")
	}
}

func TestValidateCreateRejectsTooManyAllowIps(t *testing.T) {
	s := testService()
	ips := make([]string, 40)
	for i := range ips {
		ips[i] = "1.2.3.4/32"
	}
	if err := s.validateCreate(types.CreateVmRequest{Cpu: 1, MemMb: 512, AllowIps: ips}); err == nil {
		t.Fatal("expected error for too many allowIps")
	}
}

func TestValidateCreateRejectsOversizedAllowIpEntry(t *testing.T) {
	s := testService()
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	req := types.CreateVmRequest{Cpu: 1, MemMb: 512, AllowIps: []string{string(long)}}
	if err := s.validateCreate(req); err == nil {
		t.Fatal("expected error for oversized allowIps entry")
	}
}

func TestValidateCreateAcceptsValidRequest(t *testing.T) {
	s := testService()
	req := types.CreateVmRequest{Cpu: 2, MemMb: 512, AllowIps: []string{"1.2.3.4/32"}}
	if err := s.validateCreate(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAllocateCidSkipsUsed(t *testing.T) {
	s := testService()
	s.usedCid = make(map[uint32]bool)
	s.nextCid = 3

	a := s.allocateCid()
	b := s.allocateCid()
	if a == b {
		t.Fatalf("expected distinct cids, got %d and %d", a, b)
	}
	if a < 3 || b < 3 {
		t.Fatalf("expected cids >= 3, got %d and %d", a, b)
	}

	s.releaseCid(a)
	if s.usedCid[a] {
		t.Fatalf("expected cid %d to be marked free after release", a)
	}
}
