// config/types.go
package config

import "fmt"

// Region selection modes for NUMA-aware page selection.
const (
	RegionModeNone = iota
	RegionModeLocal
	RegionModeRemote
)

// Config holds every knob of a test run. Command line flags populate it in
// main; config.json may pre-seed a subset.
type Config struct {
	// Memory sizing.
	MemoryMB     int64 `json:"memory_mb"`      // memory to test; 0 = auto
	ReserveMB    int64 `json:"reserve_mb"`     // memory left to the OS in auto mode
	HugepagesMB  int64 `json:"hugepages_mb"`   // minimum hugepage allocation, 0 = off
	PageLength   int64 `json:"page_length"`    // bytes per pool page, power of 2 >= 1024
	RuntimeSecs  int   `json:"runtime_secs"`   // total test time
	PrintSecs    int   `json:"print_secs"`     // countdown print interval
	MaxErrors    int64 `json:"max_errors"`     // early exit threshold, 0 = unlimited
	StopOnErrors bool  `json:"stop_on_errors"` // exit at the first diagnosis

	// Thread counts.
	CopyThreads    int `json:"copy_threads"`
	InvertThreads  int `json:"invert_threads"`
	CheckThreads   int `json:"check_threads"`
	CPUThreads     int `json:"cpu_threads"`
	FillThreads    int `json:"fill_threads"`
	RandomThreads  int `json:"random_threads"` // random re-read threads per disk
	ListenThreads  int `json:"listen_threads"`
	NetworkTargets []string
	DiskDevices    []string
	TestFiles      []string

	// File / disk parameters.
	FileSize        int64 `json:"file_size"`
	ReadBlockSize   int   `json:"read_block_size"`
	WriteBlockSize  int   `json:"write_block_size"`
	SegmentSize     int64 `json:"segment_size"`
	CacheSize       int64 `json:"cache_size"`
	BlocksPerSeg    int   `json:"blocks_per_segment"`
	ReadThresholdUS int64 `json:"read_threshold_us"`
	WriteThreshUS   int64 `json:"write_threshold_us"`
	NonDestructive  bool  `json:"non_destructive"`

	// Modes.
	TagMode        bool `json:"tag_mode"`
	Warm           bool `json:"warm"`
	Strict         bool `json:"strict"`
	MonitorMode    bool `json:"monitor_mode"`
	DoPageMap      bool `json:"do_page_map"`
	ErrorInjection bool `json:"force_errors"`
	CrazyInjection bool `json:"force_errors_like_crazy"`
	CoarseLock     bool `json:"coarse_grain_lock"`

	// Cache coherency test.
	CCTest      bool `json:"cc_test"`
	CCIncCount  int  `json:"cc_inc_count"`
	CCLineCount int  `json:"cc_line_count"`
	CCLineSize  int  `json:"cc_line_size"`

	// CPU frequency test.
	CPUFreqTest      bool `json:"cpu_freq_test"`
	CPUFreqThreshold int  `json:"cpu_freq_threshold"`
	CPUFreqRound     int  `json:"cpu_freq_round"`

	// Affinity / NUMA.
	RegionMode  int  `json:"region_mode"`
	NoAffinity  bool `json:"no_affinity"`
	PauseDelay  int  `json:"pause_delay"`
	PauseLength int  `json:"pause_duration"`

	// DRAM topology for DIMM labelling.
	ChannelHash  uint64 `json:"channel_hash"`
	ChannelWidth int    `json:"channel_width"`
	Channels     [][]string

	// Output.
	Verbosity int    `json:"verbosity"`
	LogFile   string `json:"log_file"`
	Debug     bool   `json:"debug"`
}

// Defaults returns the configuration an empty command line implies.
func Defaults() Config {
	return Config{
		RuntimeSecs:     20,
		PrintSecs:       10,
		PageLength:      1024 * 1024,
		FillThreads:     8,
		FileSize:        8 * 1024 * 1024,
		ReadBlockSize:   512,
		WriteBlockSize:  512,
		SegmentSize:     -1,
		CacheSize:       16 * 1024 * 1024,
		BlocksPerSeg:    32,
		ReadThresholdUS: 100000,
		WriteThreshUS:   100000,
		CCIncCount:      1000,
		CCLineCount:     2,
		CPUFreqRound:    10,
		PauseDelay:      600,
		PauseLength:     15,
		Verbosity:       8,
		Strict:          true,
	}
}

// Validate rejects combinations the engine cannot run.
func (c *Config) Validate() error {
	if c.PageLength < 1024 || c.PageLength&(c.PageLength-1) != 0 {
		return fmt.Errorf("page length %d must be a power of 2 >= 1024", c.PageLength)
	}
	if c.TagMode && (len(c.DiskDevices) > 0 || len(c.TestFiles) > 0 || len(c.NetworkTargets) > 0 || c.ListenThreads > 0) {
		return fmt.Errorf("tag mode is incompatible with disk, file and network threads")
	}
	if c.PauseDelay <= 0 || c.PauseLength <= 0 {
		return fmt.Errorf("pause_delay and pause_duration must be positive")
	}
	if c.MemoryMB != 0 && c.MemoryMB*1024*1024 < c.PageLength {
		return fmt.Errorf("memory %dMB is smaller than one page (%d bytes)", c.MemoryMB, c.PageLength)
	}
	if c.CPUFreqTest && c.CPUFreqThreshold <= 0 {
		return fmt.Errorf("cpu_freq_test requires a positive cpu_freq_threshold")
	}
	if c.CCTest && (c.CCIncCount <= 0 || c.CCLineCount <= 0) {
		return fmt.Errorf("cc_test requires positive cc_inc_count and cc_line_count")
	}
	return nil
}
