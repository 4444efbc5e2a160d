package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	gcpu "github.com/shirou/gopsutil/v4/cpu"
	gmem "github.com/shirou/gopsutil/v4/mem"

	"github.com/opencomputeproject/ocp-diag-sat/config"
)

type stringSliceFlag []string

func (i *stringSliceFlag) String() string {
	return fmt.Sprintf("%v", *i)
}

func (i *stringSliceFlag) Set(value string) error {
	*i = append(*i, value)
	return nil
}

func printSystemInfo() {
	cpuInfo, err := gcpu.Info()
	if err != nil || len(cpuInfo) == 0 {
		fmt.Println("CPU Info: unable to retrieve CPU information")
	} else {
		fmt.Printf("CPU Info: Model: %s, Cores: %d, Frequency: %.2f MHz\n",
			cpuInfo[0].ModelName, runtime.NumCPU(), cpuInfo[0].Mhz)
	}

	vm, err := gmem.VirtualMemory()
	if err != nil {
		fmt.Println("Memory Info: unable to retrieve memory information")
	} else {
		fmt.Printf("Memory Info: Total: %s, Available: %s\n",
			config.FormatSize(int64(vm.Total)), config.FormatSize(int64(vm.Available)))
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load config.json, using defaults: %v\n", err)
	}

	var diskDevices, testFiles, netTargets, memChannels stringSliceFlag
	var localNuma, remoteNuma, listen bool

	flag.Int64Var(&cfg.MemoryMB, "M", cfg.MemoryMB, "megabytes of memory to test (0 = auto)")
	flag.Int64Var(&cfg.ReserveMB, "reserve-memory", cfg.ReserveMB, "megabytes of memory to leave to the OS in auto mode")
	flag.Int64Var(&cfg.HugepagesMB, "H", cfg.HugepagesMB, "minimum megabytes of hugepages to use")
	flag.IntVar(&cfg.RuntimeSecs, "s", cfg.RuntimeSecs, "seconds to run")
	flag.IntVar(&cfg.CopyThreads, "m", cfg.CopyThreads, "memory copy threads (0 = one per core)")
	flag.IntVar(&cfg.InvertThreads, "i", cfg.InvertThreads, "memory invert threads")
	flag.IntVar(&cfg.CheckThreads, "c", cfg.CheckThreads, "memory check threads")
	flag.IntVar(&cfg.CPUThreads, "C", cfg.CPUThreads, "CPU stress threads")
	flag.Var(&diskDevices, "d", "add a disk thread for a device (repeatable)")
	flag.Var(&testFiles, "f", "add a file IO thread for a file (repeatable)")
	flag.Var(&netTargets, "n", "add a network thread aimed at an ip (repeatable)")
	flag.BoolVar(&listen, "listen", false, "run a network reflector")
	flag.Int64Var(&cfg.PageLength, "p", cfg.PageLength, "page length in bytes (power of 2 >= 1024)")
	flag.Int64Var(&cfg.FileSize, "filesize", cfg.FileSize, "bytes written per file IO pass")
	flag.Int64Var(&cfg.MaxErrors, "max_errors", cfg.MaxErrors, "exit early after this many errors (0 = unlimited)")
	flag.IntVar(&cfg.Verbosity, "v", cfg.Verbosity, "verbosity (0-20)")
	flag.StringVar(&cfg.LogFile, "l", cfg.LogFile, "log file path")
	flag.BoolVar(&cfg.ErrorInjection, "force_errors", cfg.ErrorInjection, "inject false errors to test error handling")
	flag.BoolVar(&cfg.CrazyInjection, "force_errors_like_crazy", cfg.CrazyInjection, "inject a lot of false errors")
	flag.BoolVar(&cfg.StopOnErrors, "stop_on_errors", cfg.StopOnErrors, "exit at the first hardware diagnosis")
	flag.BoolVar(&cfg.TagMode, "tag_mode", cfg.TagMode, "tag cache lines with their addresses (rejects -d/-f/-n)")
	flag.BoolVar(&cfg.DoPageMap, "do_page_map", cfg.DoPageMap, "dump accessed physical address ranges")
	flag.BoolVar(&cfg.Warm, "W", cfg.Warm, "use more CPU-stressful memory copy")
	flag.BoolVar(&cfg.MonitorMode, "monitor_mode", cfg.MonitorMode, "skip stressing and only poll for errors")
	flag.BoolVar(&cfg.CoarseLock, "coarse_grain_lock", cfg.CoarseLock, "use the single-lock page pool implementation")
	flag.BoolVar(&cfg.CCTest, "cc_test", cfg.CCTest, "run the cache coherency test")
	flag.IntVar(&cfg.CCIncCount, "cc_inc_count", cfg.CCIncCount, "cache coherency increments per iteration")
	flag.IntVar(&cfg.CCLineCount, "cc_line_count", cfg.CCLineCount, "cache coherency shared cache lines")
	flag.IntVar(&cfg.CCLineSize, "cc_line_size", cfg.CCLineSize, "cache coherency line size override")
	flag.BoolVar(&cfg.CPUFreqTest, "cpu_freq_test", cfg.CPUFreqTest, "run the CPU frequency test")
	flag.IntVar(&cfg.CPUFreqThreshold, "cpu_freq_threshold", cfg.CPUFreqThreshold, "minimum allowed CPU frequency in MHz")
	flag.IntVar(&cfg.CPUFreqRound, "cpu_freq_round", cfg.CPUFreqRound, "round CPU frequencies to this many MHz")
	flag.BoolVar(&localNuma, "local_numa", false, "choose memory regions associated with each thread's CPU")
	flag.BoolVar(&remoteNuma, "remote_numa", false, "choose memory regions not associated with each thread's CPU")
	flag.BoolVar(&cfg.NoAffinity, "no_affinity", cfg.NoAffinity, "do not pin worker threads to cores")
	flag.IntVar(&cfg.PauseDelay, "pause_delay", cfg.PauseDelay, "seconds between power spike pauses")
	flag.IntVar(&cfg.PauseLength, "pause_duration", cfg.PauseLength, "seconds each power spike pause lasts")
	flag.IntVar(&cfg.ReadBlockSize, "read-block-size", cfg.ReadBlockSize, "disk read block size in bytes")
	flag.IntVar(&cfg.WriteBlockSize, "write-block-size", cfg.WriteBlockSize, "disk write block size in bytes")
	flag.Int64Var(&cfg.SegmentSize, "segment-size", cfg.SegmentSize, "disk segment size in bytes (-1 = whole device)")
	flag.Int64Var(&cfg.CacheSize, "cache-size", cfg.CacheSize, "assumed disk cache size in bytes")
	flag.IntVar(&cfg.BlocksPerSeg, "blocks-per-segment", cfg.BlocksPerSeg, "blocks tested per disk segment")
	flag.Int64Var(&cfg.ReadThresholdUS, "read-threshold", cfg.ReadThresholdUS, "microseconds before a disk read is flagged slow")
	flag.Int64Var(&cfg.WriteThreshUS, "write-threshold", cfg.WriteThreshUS, "microseconds before a disk write is flagged slow")
	flag.BoolVar(&cfg.NonDestructive, "nondestructive", cfg.NonDestructive, "skip writing to disk devices (verify only)")
	flag.IntVar(&cfg.RandomThreads, "random-threads", cfg.RandomThreads, "random re-read threads per disk device")
	flag.Uint64Var(&cfg.ChannelHash, "channel_hash", cfg.ChannelHash, "address hash selecting the DRAM channel")
	flag.IntVar(&cfg.ChannelWidth, "channel_width", cfg.ChannelWidth, "DRAM channel width in bits")
	flag.Var(&memChannels, "memory_channel", "comma separated DIMM names of one channel (repeatable)")
	info := flag.Bool("print", false, "print system resources and exit")
	flag.Parse()

	if *info {
		fmt.Println("=== System Resources Available for Stress Testing ===")
		printSystemInfo()
		return
	}

	cfg.DiskDevices = diskDevices
	cfg.TestFiles = testFiles
	cfg.NetworkTargets = netTargets
	if listen {
		cfg.ListenThreads = 1
	}
	switch {
	case localNuma:
		cfg.RegionMode = config.RegionModeLocal
	case remoteNuma:
		cfg.RegionMode = config.RegionModeRemote
	}
	for _, ch := range memChannels {
		cfg.Channels = append(cfg.Channels, strings.Split(ch, ","))
	}
	if cfg.CopyThreads == 0 && !cfg.MonitorMode {
		cfg.CopyThreads = runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid arguments: %v\n", err)
		os.Exit(1)
	}

	sat, err := NewSat(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct test object: %v\n", err)
		os.Exit(255)
	}

	if !sat.Initialize() {
		sat.Cleanup()
		os.Exit(1)
	}
	sat.Run()
	code := sat.ExitCode()
	sat.Cleanup()
	os.Exit(code)
}
