// config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadConfig overlays config.json, when present, onto defaults.
func LoadConfig() (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile("config.json")
	if err != nil {
		return cfg, err
	}

	err = json.Unmarshal(data, &cfg)
	return cfg, err
}

// FormatSize converts bytes to a human-readable string (KB, MB, GB).
func FormatSize(size int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)

	if size >= gb {
		return fmt.Sprintf("%.2fGB", float64(size)/float64(gb))
	}
	if size >= mb {
		return fmt.Sprintf("%.2fMB", float64(size)/float64(mb))
	}
	if size >= kb {
		return fmt.Sprintf("%.2fKB", float64(size)/float64(kb))
	}

	return fmt.Sprintf("%dB", size)
}

// ParseSize parses a size string with units (e.g. 4K, 64K, 1G).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.ToUpper(strings.TrimSpace(sizeStr))
	var multiplier int64 = 1

	switch {
	case strings.HasSuffix(sizeStr, "KB"):
		multiplier = 1024
		sizeStr = sizeStr[:len(sizeStr)-2]
	case strings.HasSuffix(sizeStr, "K"):
		multiplier = 1024
		sizeStr = sizeStr[:len(sizeStr)-1]
	case strings.HasSuffix(sizeStr, "MB"):
		multiplier = 1024 * 1024
		sizeStr = sizeStr[:len(sizeStr)-2]
	case strings.HasSuffix(sizeStr, "M"):
		multiplier = 1024 * 1024
		sizeStr = sizeStr[:len(sizeStr)-1]
	case strings.HasSuffix(sizeStr, "GB"):
		multiplier = 1024 * 1024 * 1024
		sizeStr = sizeStr[:len(sizeStr)-2]
	case strings.HasSuffix(sizeStr, "G"):
		multiplier = 1024 * 1024 * 1024
		sizeStr = sizeStr[:len(sizeStr)-1]
	}

	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return size * multiplier, nil
}
