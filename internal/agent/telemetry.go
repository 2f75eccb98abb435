package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"runtime"
	"slices"

	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Snapshot is the telemetry attached to each heartbeat. It is stored
// as-is on the node.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	CPUCount      int     `json:"cpu_count"`
	MemTotal      uint64  `json:"mem_total"`
	MemUsed       uint64  `json:"mem_used"`
	MemPercent    float64 `json:"mem_percent"`
	DiskTotal     uint64  `json:"disk_total"`
	DiskUsed      uint64  `json:"disk_used"`
	DiskPercent   float64 `json:"disk_percent"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	Platform      string  `json:"platform,omitempty"`
	Kernel        string  `json:"kernel,omitempty"`
	Running       int     `json:"running_commands"`
}

// CollectFacts gathers host facts and a telemetry snapshot. Collectors
// that fail are skipped.
func CollectFacts(ctx context.Context, version string, running int) wire.Heartbeat {
	hb := wire.Heartbeat{
		OS:           runtime.GOOS,
		AgentVersion: version,
	}
	snap := Snapshot{CPUCount: runtime.NumCPU(), Running: running}

	if info, err := host.InfoWithContext(ctx); err == nil {
		hb.Hostname = info.Hostname
		hb.OS = info.OS
		snap.UptimeSeconds = info.Uptime
		snap.Platform = info.Platform + " " + info.PlatformVersion
		snap.Kernel = info.KernelVersion
	} else {
		slog.Debug("Host info unavailable", "error", err)
		hb.Hostname, _ = os.Hostname()
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotal = vm.Total
		snap.MemUsed = vm.Used
		snap.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskTotal = du.Total
		snap.DiskUsed = du.Used
		snap.DiskPercent = du.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}

	hb.IPAddress, hb.MACAddress = primaryInterface(ctx)

	if raw, err := json.Marshal(snap); err == nil {
		hb.Snapshot = raw
	}
	return hb
}

// primaryInterface returns the first non-loopback interface that is up
// and has an IPv4 address.
func primaryInterface(ctx context.Context) (ip, mac string) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			parsed, _, err := net.ParseCIDR(addr.Addr)
			if err != nil || parsed.To4() == nil {
				continue
			}
			return parsed.String(), iface.HardwareAddr
		}
	}
	return "", ""
}
