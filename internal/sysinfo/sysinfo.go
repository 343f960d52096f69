// Package sysinfo probes host capabilities for registration and heartbeats.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/models"
)

var log = logging.New("sysinfo")

// gpuQuery is the nvidia-smi CSV column list, in parse order.
const gpuQuery = "name,driver_version,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu"

// Probe collects device telemetry and resolves the encoder capability.
// Failures degrade to partial info and warn logs; the probe never aborts.
func Probe(ctx context.Context, scratchPath, encoderHint string) (*models.DeviceInfo, models.Encoder) {
	info := probeDevice(ctx, scratchPath)
	return info, ResolveEncoder(encoderHint, info.GPU)
}

func probeDevice(ctx context.Context, scratchPath string) *models.DeviceInfo {
	info := &models.DeviceInfo{}

	if cpus, err := cpu.InfoWithContext(ctx); err != nil {
		log.Warn().Err(err).Msg("CPU info probe failed")
	} else if len(cpus) > 0 {
		info.CPU.Brand = cpus[0].ModelName
		info.CPU.SpeedMHz = cpus[0].Mhz
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err != nil {
		log.Warn().Err(err).Msg("CPU count probe failed")
	} else {
		info.CPU.Cores = cores
	}

	// Load average is not available everywhere (Windows). Degrade quietly.
	if avg, err := load.AvgWithContext(ctx); err != nil {
		log.Debug().Err(err).Msg("Load average unavailable")
	} else if info.CPU.Cores > 0 {
		info.CPU.Load = avg.Load1 / float64(info.CPU.Cores) * 100
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Warn().Err(err).Msg("Memory probe failed")
	} else {
		info.Memory = models.MemoryInfo{
			Total:       vm.Total,
			Free:        vm.Available,
			Used:        vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	}

	if scratchPath == "" {
		scratchPath = os.TempDir()
	}
	if usage, err := disk.UsageWithContext(ctx, scratchPath); err != nil {
		log.Warn().Err(err).Str("path", scratchPath).Msg("Disk probe failed")
	} else {
		info.Disk = models.DiskInfo{
			Total:       usage.Total,
			Free:        usage.Free,
			Used:        usage.Used,
			UsedPercent: usage.UsedPercent,
		}
	}

	info.GPU = ProbeGPU(ctx)
	return info
}

// ProbeGPU queries nvidia-smi for the first GPU. Returns nil when the tool
// is missing, times out, or produces unparseable output.
func ProbeGPU(ctx context.Context) *models.GPUInfo {
	ctx, cancel := context.WithTimeout(ctx, constants.GPUProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+gpuQuery,
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		log.Debug().Err(err).Msg("nvidia-smi not available")
		return nil
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	gpu, err := parseGPUQuery(line)
	if err != nil {
		log.Warn().Err(err).Str("line", line).Msg("Unparseable nvidia-smi output")
		return nil
	}

	log.Debug().
		Str("model", gpu.Model).
		Str("driver", gpu.DriverVersion).
		Uint64("memory_mib", gpu.MemoryTotal).
		Msg("GPU discovered")
	return gpu
}

// parseGPUQuery parses one CSV line of the nvidia-smi query output.
// Numeric fields may read "[N/A]" on some boards; those parse as zero.
func parseGPUQuery(line string) (*models.GPUInfo, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 7 {
		return nil, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if fields[0] == "" {
		return nil, fmt.Errorf("empty GPU model")
	}

	return &models.GPUInfo{
		Vendor:        "nvidia",
		Model:         fields[0],
		DriverVersion: fields[1],
		MemoryTotal:   parseUintField(fields[2]),
		MemoryUsed:    parseUintField(fields[3]),
		MemoryFree:    parseUintField(fields[4]),
		Utilization:   parseFloatField(fields[5]),
		Temperature:   parseFloatField(fields[6]),
	}, nil
}

func parseUintField(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloatField(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// ResolveEncoder picks the encoder from the operator hint and probe result.
// A cpu hint always wins; a hardware hint without a GPU falls back to cpu.
func ResolveEncoder(hint string, gpu *models.GPUInfo) models.Encoder {
	switch strings.ToLower(hint) {
	case string(models.EncoderCPU):
		return models.EncoderCPU
	case string(models.EncoderHardware):
		if gpu == nil {
			log.Warn().Msg("Encoder hint is hardware but no GPU was found, using cpu")
			return models.EncoderCPU
		}
		return models.EncoderHardware
	}
	if gpu != nil {
		return models.EncoderHardware
	}
	return models.EncoderCPU
}
