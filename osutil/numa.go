package osutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// NodeCPUs returns the cpu list of every NUMA node, from sysfs. Hosts
// without the node hierarchy report a single node holding every cpu.
func NodeCPUs() [][]int {
	nodeDir := "/sys/devices/system/node"
	entries, err := os.ReadDir(nodeDir)
	if err != nil {
		return [][]int{allCPUs()}
	}

	nodes := make(map[int][]int)
	maxNode := -1
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(nodeDir, name, "cpulist"))
		if err != nil {
			continue
		}
		cpus := parseCPUList(strings.TrimSpace(string(data)))
		if len(cpus) == 0 {
			continue
		}
		nodes[id] = cpus
		if id > maxNode {
			maxNode = id
		}
	}
	if maxNode < 0 {
		return [][]int{allCPUs()}
	}

	out := make([][]int, maxNode+1)
	for id, cpus := range nodes {
		out[id] = cpus
	}
	return out
}

func allCPUs() []int {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// parseCPUList parses sysfs cpulist syntax: "0-3,8,10-11".
func parseCPUList(list string) []int {
	var cpus []int
	for _, segment := range strings.Split(list, ",") {
		if segment == "" {
			continue
		}
		if strings.Contains(segment, "-") {
			parts := strings.SplitN(segment, "-", 2)
			start, err1 := strconv.Atoi(parts[0])
			end, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil {
				continue
			}
			for c := start; c <= end; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, err := strconv.Atoi(segment)
			if err != nil {
				continue
			}
			cpus = append(cpus, c)
		}
	}
	return cpus
}
