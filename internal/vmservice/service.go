// Package vmservice orchestrates the VM lifecycle state machine: validate,
// allocate, provision, boot/restore, configure, run; snapshot; stop; destroy.
// It is the only writer of VmStore records and the only caller of
// NetworkManager, FirecrackerDriver, and StorageProvider on a VM's behalf.
package vmservice

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vmforge/manager/internal/agentclient"
	"github.com/vmforge/manager/internal/fcdriver"
	"github.com/vmforge/manager/internal/metrics"
	"github.com/vmforge/manager/internal/netmanager"
	"github.com/vmforge/manager/internal/sparse"
	"github.com/vmforge/manager/internal/storage"
	"github.com/vmforge/manager/internal/vmstore"
	"github.com/vmforge/manager/pkg/apierror"
	"github.com/vmforge/manager/pkg/types"
)

// Limits bounds the resource requests VmService.Create accepts.
type Limits struct {
	MaxVms            int
	MaxCpu            int
	MaxMemMb          int
	MaxAllowIps       int
	MaxExecTimeoutMs  int
	MaxRunTsTimeoutMs int
}

// stopGracePeriod bounds how long Stop waits for a clean SendCtrlAltDel
// shutdown before falling back to a hard kill.
const stopGracePeriod = 5 * time.Second

// Config is the host-wide configuration VmService needs beyond its
// collaborators: the kernel image every VM boots and the boot-health window.
type Config struct {
	KernelPath      string
	AgentBootWindow time.Duration
	Limits          Limits
}

// Service is the VM lifecycle orchestrator.
type Service struct {
	cfg Config

	store   *vmstore.Store
	storage *storage.Provider
	net     *netmanager.SubnetAllocator
	driver  *fcdriver.Driver
	mirror  *storage.S3Mirror // optional off-host snapshot archive; nil disables it

	ids *idLocks

	runMu   sync.Mutex
	running map[string]*runningVm

	cidMu   sync.Mutex
	nextCid uint32
	usedCid map[uint32]bool
}

// runningVm tracks in-memory process state for a VM that is currently
// RUNNING or transitioning through STARTING/STOPPING; nothing here is
// persisted, it is rebuilt implicitly each time a VM boots.
type runningVm struct {
	handle *fcdriver.Handle
	agent  *agentclient.Client
	netCfg *netmanager.Config
}

// New builds a Service. mirror may be nil to disable off-host snapshot backup.
func New(cfg Config, store *vmstore.Store, storageProvider *storage.Provider, net *netmanager.SubnetAllocator, driver *fcdriver.Driver, mirror *storage.S3Mirror) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		storage: storageProvider,
		net:     net,
		driver:  driver,
		mirror:  mirror,
		ids:     newIdLocks(),
		running: make(map[string]*runningVm),
		nextCid: 3,
		usedCid: make(map[uint32]bool),
	}
}

func (s *Service) allocateCid() uint32 {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()
	cid := s.nextCid
	for s.usedCid[cid] {
		cid++
	}
	s.usedCid[cid] = true
	s.nextCid = cid + 1
	return cid
}

func (s *Service) releaseCid(cid uint32) {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()
	delete(s.usedCid, cid)
}

// List returns every VM record.
func (s *Service) List() ([]*types.VmRecord, error) {
	return s.store.List()
}

// Get returns a single VM record, or a NotFound apierror.
func (s *Service) Get(id string) (*types.VmRecord, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, apierror.Wrap(apierror.NotFound, "", fmt.Sprintf("vm %s not found", id), err)
	}
	return rec, nil
}

// Create validates req, allocates resources, provisions storage, boots or
// restores the VM, and waits for the guest agent before returning RUNNING.
func (s *Service) Create(ctx context.Context, req types.CreateVmRequest) (*types.VmRecord, error) {
	start := time.Now()
	mode := string(types.ProvisionBoot)
	if req.SnapshotId != "" {
		mode = string(types.ProvisionSnapshot)
	}

	if err := s.validateCreate(req); err != nil {
		metrics.VmCreatesTotal.WithLabelValues(mode, "error").Inc()
		return nil, err
	}

	all, err := s.store.List()
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, "", "list existing vms", err)
	}
	active := 0
	for _, v := range all {
		if v.State != types.VmDeleted {
			active++
		}
	}
	if active >= s.cfg.Limits.MaxVms {
		return nil, apierror.New(apierror.Quota, "max vm count reached")
	}

	id := uuid.NewString()
	unlock := s.ids.lock(id)
	defer unlock()

	netCfg, err := s.net.Allocate()
	if err != nil {
		return nil, apierror.Wrap(apierror.HostResource, "network", "allocate subnet", err)
	}
	cid := s.allocateCid()

	rec := &types.VmRecord{
		ID:               id,
		State:            types.VmCreated,
		Cpu:              req.Cpu,
		MemMb:            req.MemMb,
		DiskSizeMb:       req.DiskSizeMb,
		GuestIp:          netCfg.GuestIp,
		TapName:          netCfg.TapName,
		VsockCid:         cid,
		OutboundInternet: req.OutboundInternet,
		AllowIps:         req.AllowIps,
		KernelPath:       s.cfg.KernelPath,
		ImageId:          req.ImageId,
		SnapshotId:       req.SnapshotId,
		CreatedAt:        time.Now().UTC(),
	}

	restoring := req.SnapshotId != ""
	var snapMeta *types.SnapshotMeta
	if restoring {
		snapMeta, err = s.storage.ReadSnapshotMeta(req.SnapshotId)
		if err != nil {
			s.net.Release(netCfg.TapName)
			s.releaseCid(cid)
			return nil, apierror.Wrap(apierror.Validation, "", fmt.Sprintf("snapshot %s not found", req.SnapshotId), err)
		}
		if snapMeta.Cpu != req.Cpu || snapMeta.MemMb != req.MemMb {
			s.net.Release(netCfg.TapName)
			s.releaseCid(cid)
			return nil, apierror.New(apierror.Validation, "400 MISMATCH: cpu/memMb do not match snapshot")
		}
	}

	rootfsPath, err := s.provisionStorage(id, req, restoring)
	if err != nil {
		s.net.Release(netCfg.TapName)
		s.releaseCid(cid)
		return nil, apierror.Wrap(apierror.HostResource, "storage", "provision vm storage", err)
	}
	rec.RootfsPath = rootfsPath

	if err := s.store.Put(rec); err != nil {
		s.net.Release(netCfg.TapName)
		s.releaseCid(cid)
		return nil, apierror.Wrap(apierror.Internal, "", "persist vm record", err)
	}

	if restoring {
		if err := s.bootFromSnapshot(ctx, rec, netCfg, req.SnapshotId); err != nil {
			s.markError(rec.ID)
			metrics.VmCreatesTotal.WithLabelValues(mode, "error").Inc()
			return nil, err
		}
		rec.ProvisionMode = types.ProvisionSnapshot
	} else {
		if err := s.bootCold(ctx, rec, netCfg); err != nil {
			s.markError(rec.ID)
			metrics.VmCreatesTotal.WithLabelValues(mode, "error").Inc()
			return nil, err
		}
		rec.ProvisionMode = types.ProvisionBoot
	}

	rec.State = types.VmRunning
	if err := s.store.Put(rec); err != nil {
		return nil, apierror.Wrap(apierror.Internal, "", "persist running vm record", err)
	}
	s.refreshVmsActiveGauge()
	metrics.VmCreatesTotal.WithLabelValues(string(rec.ProvisionMode), "success").Inc()
	metrics.VmCreateDuration.WithLabelValues(string(rec.ProvisionMode)).Observe(time.Since(start).Seconds())
	log.Printf("vmservice: created vm %s (cpu=%d mem=%dMB ip=%s tap=%s mode=%s)", rec.ID, rec.Cpu, rec.MemMb, rec.GuestIp, rec.TapName, rec.ProvisionMode)
	return rec, nil
}

func (s *Service) validateCreate(req types.CreateVmRequest) error {
	lim := s.cfg.Limits
	if req.Cpu <= 0 || req.Cpu > lim.MaxCpu {
		return apierror.New(apierror.Validation, fmt.Sprintf("cpu must be in (0, %d]", lim.MaxCpu))
	}
	if req.MemMb <= 0 || req.MemMb > lim.MaxMemMb {
		return apierror.New(apierror.Validation, fmt.Sprintf("memMb must be in (0, %d]", lim.MaxMemMb))
	}
	if len(req.AllowIps) > lim.MaxAllowIps {
		return apierror.New(apierror.Validation, fmt.Sprintf("allowIps exceeds max of %d", lim.MaxAllowIps))
	}
	for _, ip := range req.AllowIps {
		if ip == "" || len(ip) > 128 {
			return apierror.New(apierror.Validation, "allowIps entries must be non-empty and <= 128 chars")
		}
	}
	return nil
}

func (s *Service) provisionStorage(id string, req types.CreateVmRequest, restoring bool) (string, error) {
	if restoring {
		if err := s.ensureSnapshotDiskLocal(req.SnapshotId); err != nil {
			return "", err
		}
		return s.storage.PrepareVmStorageFromDisk(id, req.SnapshotId)
	}
	return s.storage.PrepareVmStorage(id, req.ImageId, req.DiskSizeMb)
}

// ensureSnapshotDiskLocal pulls a snapshot's disk artifact from the off-host
// mirror when it's missing locally. Only the disk is mirrored: the snapshot's
// meta.json, vmstate and mem files are not fetched. No-op if the disk is
// already present; a NotFound error if it is missing and no mirror is
// configured.
func (s *Service) ensureSnapshotDiskLocal(snapshotID string) error {
	_, _, diskPath := s.storage.GetSnapshotArtifactPaths(snapshotID)
	if _, err := os.Stat(diskPath); err == nil {
		return nil
	}
	if s.mirror == nil {
		return apierror.New(apierror.NotFound, fmt.Sprintf("snapshot %s disk artifact not found locally and no mirror configured", snapshotID))
	}

	rc, err := s.mirror.Download(context.Background(), snapshotID)
	if err != nil {
		return apierror.Wrap(apierror.NotFound, "storage", "fetch snapshot disk from mirror", err)
	}
	defer rc.Close()

	archivePath := diskPath + ".sparse.zst"
	out, err := os.Create(archivePath)
	if err != nil {
		return apierror.Wrap(apierror.Internal, "", "stage downloaded snapshot archive", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(archivePath)
		return apierror.Wrap(apierror.Internal, "", "write downloaded snapshot archive", err)
	}
	out.Close()
	defer os.Remove(archivePath)

	if err := sparse.Restore(archivePath, diskPath); err != nil {
		return apierror.Wrap(apierror.Internal, "", "unpack mirrored snapshot disk", err)
	}
	return nil
}

func (s *Service) bootCold(ctx context.Context, rec *types.VmRecord, netCfg *netmanager.Config) error {
	if err := netmanager.CreateTAP(netCfg); err != nil {
		return apierror.Wrap(apierror.HostResource, "network", "create tap", err)
	}
	if err := netmanager.SetTAPUp(netCfg.TapName, true); err != nil {
		return apierror.Wrap(apierror.HostResource, "network", "tap up", err)
	}

	spec := s.bootSpec(rec, netCfg)
	handle, err := s.driver.Boot(ctx, spec)
	if err != nil {
		netmanager.DeleteTAP(netCfg.TapName)
		return apierror.Wrap(apierror.FirecrackerAPI, "firecracker", "boot vm", err)
	}

	return s.finishBoot(ctx, rec, netCfg, handle)
}

func (s *Service) bootFromSnapshot(ctx context.Context, rec *types.VmRecord, netCfg *netmanager.Config, snapshotID string) error {
	vmstatePath, memPath, _ := s.storage.GetSnapshotArtifactPaths(snapshotID)
	if err := netmanager.CreateTAP(netCfg); err != nil {
		return apierror.Wrap(apierror.HostResource, "network", "create tap", err)
	}
	// Tap stays down until the guest interface is reconciled post-restore.

	spec := s.bootSpec(rec, netCfg)
	handle, err := s.driver.Restore(ctx, spec, vmstatePath, memPath, true)
	if err != nil {
		netmanager.DeleteTAP(netCfg.TapName)
		log.Printf("vmservice: snapshot restore failed for %s, falling back to cold boot: %v", rec.ID, err)
		return s.bootCold(ctx, rec, netCfg)
	}

	if err := s.finishRestore(ctx, rec, netCfg, handle); err != nil {
		return err
	}
	return nil
}

func (s *Service) bootSpec(rec *types.VmRecord, netCfg *netmanager.Config) fcdriver.BootSpec {
	return fcdriver.BootSpec{
		VmId:       rec.ID,
		Cpu:        rec.Cpu,
		MemMb:      rec.MemMb,
		KernelPath: rec.KernelPath,
		RootfsPath: rec.RootfsPath,
		TapName:    netCfg.TapName,
		GuestMac:   fcdriver.DeriveMAC(rec.ID),
		VsockCid:   rec.VsockCid,
		GuestIp:    netCfg.GuestIp,
		HostIp:     netCfg.HostIp,
		Mask:       netCfg.Mask,
	}
}

func (s *Service) finishBoot(ctx context.Context, rec *types.VmRecord, netCfg *netmanager.Config, handle *fcdriver.Handle) error {
	agent := agentclient.New(handle.VsockPath)
	if err := agent.WaitHealthy(ctx, s.cfg.AgentBootWindow); err != nil {
		s.driver.Kill(handle)
		netmanager.DeleteTAP(netCfg.TapName)
		return apierror.Wrap(apierror.GuestUnreachable, "agent", "guest agent did not become healthy", err)
	}

	if err := s.applyAllowlist(ctx, agent, rec, netCfg); err != nil {
		s.driver.Kill(handle)
		netmanager.DeleteTAP(netCfg.TapName)
		return err
	}

	s.setRunning(rec.ID, &runningVm{handle: handle, agent: agent, netCfg: netCfg})
	return nil
}

func (s *Service) finishRestore(ctx context.Context, rec *types.VmRecord, netCfg *netmanager.Config, handle *fcdriver.Handle) error {
	agent := agentclient.New(handle.VsockPath)
	if err := agent.WaitHealthy(ctx, s.cfg.AgentBootWindow); err != nil {
		s.driver.Kill(handle)
		netmanager.DeleteTAP(netCfg.TapName)
		return apierror.Wrap(apierror.GuestUnreachable, "agent", "guest agent did not become healthy after restore", err)
	}

	netReq := types.NetworkConfigRequest{
		Iface:   "eth0",
		Ip:      netCfg.GuestIp,
		Cidr:    strconv.Itoa(netCfg.Cidr),
		Gateway: netCfg.HostIp,
		Mac:     fcdriver.DeriveMAC(rec.ID),
	}
	if err := agent.ConfigureNetwork(ctx, netReq); err != nil {
		s.driver.Kill(handle)
		netmanager.DeleteTAP(netCfg.TapName)
		return apierror.Wrap(apierror.GuestUnreachable, "agent", "reconcile guest network after restore", err)
	}

	if err := netmanager.SetTAPUp(netCfg.TapName, true); err != nil {
		s.driver.Kill(handle)
		netmanager.DeleteTAP(netCfg.TapName)
		return apierror.Wrap(apierror.HostResource, "network", "tap up after restore", err)
	}

	if err := s.applyAllowlist(ctx, agent, rec, netCfg); err != nil {
		s.driver.Kill(handle)
		netmanager.DeleteTAP(netCfg.TapName)
		return err
	}

	s.setRunning(rec.ID, &runningVm{handle: handle, agent: agent, netCfg: netCfg})
	return nil
}

func (s *Service) applyAllowlist(ctx context.Context, agent *agentclient.Client, rec *types.VmRecord, netCfg *netmanager.Config) error {
	if err := netmanager.InstallAllowlist(rec.ID, netCfg, rec.AllowIps, rec.OutboundInternet); err != nil {
		return apierror.Wrap(apierror.HostResource, "network", "install allowlist", err)
	}
	cidrs := append(append([]string{}, rec.AllowIps...), netCfg.HostIp)
	if err := agent.ApplyAllowlist(ctx, types.AllowlistRequest{Cidrs: cidrs, AllowOutbound: rec.OutboundInternet}); err != nil {
		return apierror.Wrap(apierror.GuestUnreachable, "agent", "apply guest allowlist", err)
	}
	return nil
}

func (s *Service) setRunning(id string, rv *runningVm) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.running[id] = rv
}

func (s *Service) getRunning(id string) (*runningVm, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	rv, ok := s.running[id]
	return rv, ok
}

func (s *Service) clearRunning(id string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	delete(s.running, id)
}

func (s *Service) markError(id string) {
	_ = s.store.UpdateState(id, types.VmError)
	s.refreshVmsActiveGauge()
}

// refreshVmsActiveGauge recomputes the per-state VM count gauge. Cheap
// enough to call after every lifecycle transition since it's a single
// store.List() plus a handful of Set() calls.
func (s *Service) refreshVmsActiveGauge() {
	recs, err := s.store.List()
	if err != nil {
		return
	}
	counts := map[types.VmState]float64{}
	for _, r := range recs {
		counts[r.State]++
	}
	for _, state := range []types.VmState{types.VmCreated, types.VmStarting, types.VmRunning, types.VmStopping, types.VmStopped, types.VmError} {
		metrics.VmsActive.WithLabelValues(string(state)).Set(counts[state])
	}
}

// Start boots a STOPPED VM cold, reusing its existing rootfs.
func (s *Service) Start(ctx context.Context, id string) error {
	unlock := s.ids.lock(id)
	defer unlock()

	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if rec.State != types.VmStopped {
		return apierror.New(apierror.PreconditionFailed, fmt.Sprintf("vm %s is %s, not STOPPED", id, rec.State))
	}

	netCfg, err := s.net.AllocateSpecific(rec.TapName)
	if err != nil {
		netCfg, err = s.net.Allocate()
		if err != nil {
			return apierror.Wrap(apierror.HostResource, "network", "allocate subnet", err)
		}
		rec.GuestIp = netCfg.GuestIp
		rec.TapName = netCfg.TapName
	}

	rec.State = types.VmStarting
	if err := s.store.Put(rec); err != nil {
		return apierror.Wrap(apierror.Internal, "", "persist starting vm record", err)
	}

	if err := s.bootCold(ctx, rec, netCfg); err != nil {
		s.markError(id)
		return err
	}

	rec.State = types.VmRunning
	rec.ProvisionMode = types.ProvisionBoot
	if err := s.store.Put(rec); err != nil {
		return apierror.Wrap(apierror.Internal, "", "persist restarted vm record", err)
	}
	s.refreshVmsActiveGauge()
	return nil
}

// Stop shuts a RUNNING VM down cleanly; a no-op on an already-STOPPED VM.
func (s *Service) Stop(ctx context.Context, id string) error {
	unlock := s.ids.lock(id)
	defer unlock()

	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if rec.State == types.VmStopped {
		return nil
	}
	if rec.State != types.VmRunning {
		return apierror.New(apierror.PreconditionFailed, fmt.Sprintf("vm %s is %s, not RUNNING", id, rec.State))
	}

	rec.State = types.VmStopping
	_ = s.store.Put(rec)

	if rv, ok := s.getRunning(id); ok {
		rv.agent.Close()
		if clean := s.driver.Shutdown(ctx, rv.handle, stopGracePeriod); !clean {
			log.Printf("vmservice: vm %s did not shut down cleanly within %s, killed", id, stopGracePeriod)
		}
		netmanager.RemoveAllowlist(id, rv.netCfg)
		netmanager.DeleteTAP(rv.netCfg.TapName)
		s.net.Release(rv.netCfg.TapName)
		s.clearRunning(id)
	}

	rec.State = types.VmStopped
	if err := s.store.Put(rec); err != nil {
		return apierror.Wrap(apierror.Internal, "", "persist stopped vm record", err)
	}
	s.refreshVmsActiveGauge()
	return nil
}

// Destroy tears a VM down completely and marks it DELETED; a no-op on an
// already-DELETED VM.
func (s *Service) Destroy(ctx context.Context, id string) error {
	unlock := s.ids.lock(id)
	defer unlock()

	rec, err := s.Get(id)
	if err != nil {
		return nil // already gone; destroy is idempotent
	}
	if rec.State == types.VmDeleted {
		return nil
	}

	if rv, ok := s.getRunning(id); ok {
		rv.agent.Close()
		s.driver.Kill(rv.handle)
		netmanager.RemoveAllowlist(id, rv.netCfg)
		netmanager.DeleteTAP(rv.netCfg.TapName)
		s.net.Release(rv.netCfg.TapName)
		s.clearRunning(id)
	} else if rec.TapName != "" {
		cfg := &netmanager.Config{TapName: rec.TapName, GuestIp: rec.GuestIp}
		netmanager.RemoveAllowlist(id, cfg)
		netmanager.DeleteTAP(rec.TapName)
		s.net.Release(rec.TapName)
	}
	s.releaseCid(rec.VsockCid)

	if err := s.storage.CleanupVmStorage(id); err != nil {
		log.Printf("vmservice: cleanup storage for %s: %v", id, err)
	}

	rec.State = types.VmDeleted
	if err := s.store.Put(rec); err != nil {
		return apierror.Wrap(apierror.Internal, "", "persist deleted vm record", err)
	}
	s.ids.forget(id)
	s.refreshVmsActiveGauge()
	return nil
}

// CreateSnapshot pauses a RUNNING VM, captures its memory/vmstate, clones its
// disk, and persists the resulting SnapshotMeta.
func (s *Service) CreateSnapshot(ctx context.Context, id string) (*types.SnapshotMeta, error) {
	start := time.Now()
	unlock := s.ids.lock(id)
	defer unlock()

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.State != types.VmRunning {
		return nil, apierror.New(apierror.PreconditionFailed, fmt.Sprintf("vm %s is %s, not RUNNING", id, rec.State))
	}
	rv, ok := s.getRunning(id)
	if !ok {
		return nil, apierror.New(apierror.PreconditionFailed, fmt.Sprintf("vm %s has no active process handle", id))
	}

	snapID := uuid.NewString()
	vmstatePath, memPath, diskPath := s.storage.GetSnapshotArtifactPaths(snapID)
	if err := s.storage.SaveSnapshotMeta(types.SnapshotMeta{ID: snapID, Kind: types.SnapshotKindVm, SourceVmId: id, Cpu: rec.Cpu, MemMb: rec.MemMb, HasDisk: false}); err != nil {
		return nil, apierror.Wrap(apierror.Internal, "", "reserve snapshot dir", err)
	}

	if _, err := rv.agent.Exec(ctx, types.ExecRequest{Cmd: "sync", TimeoutMs: 5000}); err != nil {
		log.Printf("vmservice: best-effort sync before snapshot of %s failed: %v", id, err)
	}

	if err := s.driver.PauseAndSnapshot(ctx, rv.handle, vmstatePath, memPath); err != nil {
		metrics.SnapshotDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, apierror.Wrap(apierror.FirecrackerAPI, "firecracker", "pause and snapshot", err)
	}

	if err := s.storage.CloneDisk(rec.RootfsPath, diskPath); err != nil {
		metrics.SnapshotDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, apierror.Wrap(apierror.HostResource, "storage", "clone disk for snapshot", err)
	}

	meta := types.SnapshotMeta{
		ID:         snapID,
		Kind:       types.SnapshotKindVm,
		CreatedAt:  time.Now().UTC(),
		Cpu:        rec.Cpu,
		MemMb:      rec.MemMb,
		SourceVmId: id,
		HasDisk:    true,
	}
	if err := s.storage.SaveSnapshotMeta(meta); err != nil {
		return nil, apierror.Wrap(apierror.Internal, "", "persist snapshot meta", err)
	}

	if s.mirror != nil {
		go s.archiveSnapshot(context.Background(), snapID)
	}

	metrics.SnapshotDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	return &meta, nil
}

// ListSnapshots returns every known snapshot's metadata.
func (s *Service) ListSnapshots() ([]types.SnapshotMeta, error) {
	return s.storage.ListSnapshots()
}

// Exec forwards a shell command to a RUNNING VM's guest agent.
func (s *Service) Exec(ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
	start := time.Now()
	rv, rec, err := s.runningForExec(id, req.TimeoutMs, s.cfg.Limits.MaxExecTimeoutMs)
	if err != nil {
		return nil, err
	}
	_ = rec
	res, err := rv.agent.Exec(ctx, req)
	metrics.ObserveExec("exec", time.Since(start))
	return res, err
}

// RunTs forwards a TypeScript snippet/file to a RUNNING VM's guest agent,
// granting network access only if the VM's outboundInternet flag is set.
func (s *Service) RunTs(ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
	start := time.Now()
	rv, rec, err := s.runningForExec(id, req.TimeoutMs, s.cfg.Limits.MaxRunTsTimeoutMs)
	if err != nil {
		return nil, err
	}
	req.AllowNet = rec.OutboundInternet
	res, err := rv.agent.RunTs(ctx, req)
	metrics.ObserveExec("run-ts", time.Since(start))
	return res, err
}

// RunJs forwards a JavaScript snippet/file to a RUNNING VM's guest agent.
func (s *Service) RunJs(ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
	start := time.Now()
	rv, _, err := s.runningForExec(id, req.TimeoutMs, s.cfg.Limits.MaxRunTsTimeoutMs)
	if err != nil {
		return nil, err
	}
	res, err := rv.agent.RunJs(ctx, req)
	metrics.ObserveExec("run-js", time.Since(start))
	return res, err
}

func (s *Service) runningForExec(id string, timeoutMs, maxTimeoutMs int) (*runningVm, *types.VmRecord, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if rec.State != types.VmRunning {
		return nil, nil, apierror.New(apierror.PreconditionFailed, fmt.Sprintf("vm %s is %s, not RUNNING", id, rec.State))
	}
	if timeoutMs > maxTimeoutMs {
		return nil, nil, apierror.New(apierror.Validation, fmt.Sprintf("timeoutMs exceeds max of %d", maxTimeoutMs))
	}
	rv, ok := s.getRunning(id)
	if !ok {
		return nil, nil, apierror.New(apierror.PreconditionFailed, fmt.Sprintf("vm %s has no active process handle", id))
	}
	return rv, rec, nil
}

// UploadFiles streams a gzip tar body into a RUNNING VM under dest.
func (s *Service) UploadFiles(ctx context.Context, id, dest string, body io.Reader) error {
	rv, _, err := s.runningVm(id)
	if err != nil {
		return err
	}
	return rv.agent.Upload(ctx, dest, body)
}

// DownloadFiles streams a gzip tar body of path out of a RUNNING VM.
func (s *Service) DownloadFiles(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rv, _, err := s.runningVm(id)
	if err != nil {
		return nil, err
	}
	return rv.agent.Download(ctx, path)
}

func (s *Service) runningVm(id string) (*runningVm, *types.VmRecord, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if rec.State != types.VmRunning {
		return nil, nil, apierror.New(apierror.PreconditionFailed, fmt.Sprintf("vm %s is %s, not RUNNING", id, rec.State))
	}
	rv, ok := s.getRunning(id)
	if !ok {
		return nil, nil, apierror.New(apierror.PreconditionFailed, fmt.Sprintf("vm %s has no active process handle", id))
	}
	return rv, rec, nil
}

// archiveSnapshot mirrors a snapshot's disk image off-host. The disk is
// mostly zeros, so it's packed with sparse.Create before upload instead of
// shipping the raw image byte for byte.
func (s *Service) archiveSnapshot(ctx context.Context, snapshotID string) {
	_, _, diskPath := s.storage.GetSnapshotArtifactPaths(snapshotID)

	archivePath := diskPath + ".sparse.zst"
	blocks, err := sparse.Create(diskPath, archivePath)
	if err != nil {
		log.Printf("vmservice: pack snapshot %s for mirror: %v", snapshotID, err)
		return
	}
	defer os.Remove(archivePath)

	if err := s.mirror.Upload(ctx, snapshotID, archivePath); err != nil {
		log.Printf("vmservice: mirror snapshot %s to S3: %v", snapshotID, err)
		return
	}
	log.Printf("vmservice: mirrored snapshot %s (%d non-zero blocks)", snapshotID, blocks)
}
