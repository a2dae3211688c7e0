package thermal

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MaxCPUs is the number of CPU indices a CPUMask can address.
const MaxCPUs = 64

// CPUMask is a bitset of CPU indices.
type CPUMask uint64

// Has reports whether cpu is in the mask.
func (m CPUMask) Has(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPUs {
		return false
	}
	return m&(1<<uint(cpu)) != 0
}

// With returns the mask with cpu added.
func (m CPUMask) With(cpu int) CPUMask {
	if cpu < 0 || cpu >= MaxCPUs {
		return m
	}
	return m | 1<<uint(cpu)
}

// Without returns the mask with cpu removed.
func (m CPUMask) Without(cpu int) CPUMask {
	if cpu < 0 || cpu >= MaxCPUs {
		return m
	}
	return m &^ (1 << uint(cpu))
}

// Empty reports whether no CPU is set.
func (m CPUMask) Empty() bool {
	return m == 0
}

// Count returns the number of CPUs in the mask.
func (m CPUMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// CPUs lists the CPU indices in ascending order.
func (m CPUMask) CPUs() []int {
	out := make([]int, 0, m.Count())
	for cpu := 0; cpu < MaxCPUs; cpu++ {
		if m.Has(cpu) {
			out = append(out, cpu)
		}
	}
	return out
}

// String formats the mask as a Linux cpulist ("1-3,6").
func (m CPUMask) String() string {
	cpus := m.CPUs()
	if len(cpus) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(cpus[i]))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(cpus[j]))
		}
		i = j + 1
	}
	return b.String()
}

// MaskOf builds a mask from CPU indices. Out of range indices are ignored.
func MaskOf(cpus ...int) CPUMask {
	var m CPUMask
	for _, cpu := range cpus {
		m = m.With(cpu)
	}
	return m
}

// ParseCPUList parses the Linux cpulist format used by sysfs
// (e.g. "0-3,8,10-11"). An empty string yields an empty mask.
func ParseCPUList(value string) (CPUMask, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	var m CPUMask
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		start, err := parseCPUIndex(lo)
		if err != nil {
			return 0, err
		}
		end := start
		if found {
			end, err = parseCPUIndex(hi)
			if err != nil {
				return 0, err
			}
		}
		if end < start {
			return 0, fmt.Errorf("invalid cpu range %q", part)
		}
		for cpu := start; cpu <= end; cpu++ {
			m = m.With(cpu)
		}
	}
	return m, nil
}

// ParseCPUMask accepts either a cpulist ("1-2") or a hex bitmask ("0x6").
// A bare number is a cpulist, so "6" means CPU 6.
func ParseCPUMask(value string) (CPUMask, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		raw, err := strconv.ParseUint(value[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse cpu mask %q: %w", value, err)
		}
		return CPUMask(raw), nil
	}
	return ParseCPUList(value)
}

func parseCPUIndex(value string) (int, error) {
	cpu, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse cpu index %q: %w", value, err)
	}
	if cpu < 0 || cpu >= MaxCPUs {
		return 0, fmt.Errorf("cpu index %d out of range [0, %d)", cpu, MaxCPUs)
	}
	return cpu, nil
}

// MarshalText renders the mask as a cpulist.
func (m CPUMask) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts the formats understood by ParseCPUMask.
func (m *CPUMask) UnmarshalText(text []byte) error {
	parsed, err := ParseCPUMask(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
