//go:build linux

package procinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// clockTicks is USER_HZ. It is 100 on every Linux ABI Go supports.
const clockTicks = 100

var (
	bootOnce sync.Once
	bootTime int64
	bootErr  error
)

// StartTime returns the process start time in Unix seconds.
func StartTime(pid int) (int64, error) {
	bootOnce.Do(func() { bootTime, bootErr = readBootTime() })
	if bootErr != nil {
		return 0, bootErr
	}

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("read stat: %w", err)
	}
	// comm (field 2) may contain spaces and parentheses; fields resume after
	// the last ')'.
	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 {
		return 0, fmt.Errorf("parse stat: malformed")
	}
	fields := strings.Fields(string(data[idx+1:]))
	// fields[0] is state (field 3); starttime is field 22.
	const startField = 22 - 3
	if len(fields) <= startField {
		return 0, fmt.Errorf("parse stat: short")
	}
	ticks, err := strconv.ParseInt(fields[startField], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime: %w", err)
	}
	return bootTime + ticks/clockTicks, nil
}

func readBootTime() (int64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "btime ") {
			return strconv.ParseInt(strings.TrimSpace(line[len("btime "):]), 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("btime not found in /proc/stat")
}
