package vmstore

import (
	"testing"
	"time"

	"github.com/vmforge/manager/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string) *types.VmRecord {
	return &types.VmRecord{
		ID:               id,
		State:            types.VmCreated,
		Cpu:              2,
		MemMb:            512,
		GuestIp:          "172.16.0.2",
		TapName:          "fc-0",
		VsockCid:         3,
		OutboundInternet: true,
		AllowIps:         []string{"1.1.1.1/32"},
		RootfsPath:       "/data/vms/" + id + "/rootfs.ext4",
		CreatedAt:        time.Now().Round(time.Millisecond),
		ProvisionMode:    types.ProvisionBoot,
	}
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord("vm-1")
	if err := s.Put(rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("vm-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID || got.GuestIp != rec.GuestIp || len(got.AllowIps) != 1 {
		t.Fatalf("unexpected round-tripped record: %+v", got)
	}
	if !got.OutboundInternet {
		t.Fatal("expected OutboundInternet true")
	}
}

func TestPutUpsertsOnConflict(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord("vm-1")
	s.Put(rec)

	rec.State = types.VmRunning
	rec.Cpu = 4
	if err := s.Put(rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("vm-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.VmRunning || got.Cpu != 4 {
		t.Fatalf("expected updated record, got %+v", got)
	}
}

func TestUpdateState(t *testing.T) {
	s := newTestStore(t)
	s.Put(sampleRecord("vm-1"))

	if err := s.UpdateState("vm-1", types.VmRunning); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get("vm-1")
	if got.State != types.VmRunning {
		t.Fatalf("expected state RUNNING, got %s", got.State)
	}
}

func TestUpdateStateMissingReturnsError(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateState("missing", types.VmRunning); err == nil {
		t.Fatal("expected error for missing vm")
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	s.Put(sampleRecord("vm-1"))
	s.Put(sampleRecord("vm-2"))

	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	s.Put(sampleRecord("vm-1"))

	if err := s.Delete("vm-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("vm-1"); err == nil {
		t.Fatal("expected error after delete")
	}
}
