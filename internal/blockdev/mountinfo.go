package blockdev

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	mountInfoPath = "/proc/self/mountinfo"

	// readMountInfo is replaceable for testing.
	readMountInfo = defaultReadMountInfo
)

// MountInfoEntry is a parsed line of /proc/self/mountinfo.
type MountInfoEntry struct {
	MountID    int
	ParentID   int
	Major      int
	Minor      int
	Root       string
	Mountpoint string
	Options    string
	FSType     string
	Source     string
}

func (e *MountInfoEntry) String() string {
	return fmt.Sprintf("TARGET=%s SOURCE=%s FSTYPE=%s", e.Mountpoint, e.Source, e.FSType)
}

func defaultReadMountInfo() ([]*MountInfoEntry, error) {
	f, err := os.Open(mountInfoPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*MountInfoEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry, err := parseMountInfoLine(scanner.Text())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseMountInfoLine parses
// mount_id parent_id major:minor root mountpoint options [optional...] - fstype source super_options
func parseMountInfoLine(line string) (*MountInfoEntry, error) {
	left, right, ok := strings.Cut(line, " - ")
	if !ok {
		return nil, fmt.Errorf("malformed mountinfo line: no separator")
	}
	lf := strings.Fields(left)
	rf := strings.Fields(right)
	if len(lf) < 6 || len(rf) < 2 {
		return nil, fmt.Errorf("malformed mountinfo line: %q", line)
	}

	mountID, _ := strconv.Atoi(lf[0])
	parentID, _ := strconv.Atoi(lf[1])
	var major, minor int
	if _, err := fmt.Sscanf(lf[2], "%d:%d", &major, &minor); err != nil {
		return nil, fmt.Errorf("malformed major:minor field: %s", lf[2])
	}

	return &MountInfoEntry{
		MountID:    mountID,
		ParentID:   parentID,
		Major:      major,
		Minor:      minor,
		Root:       unescapeOctal(lf[3]),
		Mountpoint: unescapeOctal(lf[4]),
		Options:    lf[5],
		FSType:     rf[0],
		Source:     unescapeOctal(rf[1]),
	}, nil
}

// unescapeOctal decodes the \040-style escapes of mountinfo fields.
func unescapeOctal(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			o1, o2, o3 := s[i+1]-'0', s[i+2]-'0', s[i+3]-'0'
			if o1 <= 7 && o2 <= 7 && o3 <= 7 {
				b.WriteByte(o1*64 + o2*8 + o3)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func canonical(path string) string {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(absolute); err == nil {
		return resolved
	}
	return absolute
}

// IsMountpoint reports whether path is currently a mount point.
func IsMountpoint(path string) (bool, error) {
	entries, err := readMountInfo()
	if err != nil {
		return false, fmt.Errorf("read mount table: %w", err)
	}
	target := canonical(path)
	for _, entry := range entries {
		if entry.Mountpoint == target {
			return true, nil
		}
	}
	return false, nil
}

// MountsUnder returns the mount points at or below dir, deepest first so
// they can be unmounted in order.
func MountsUnder(dir string) ([]string, error) {
	entries, err := readMountInfo()
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	prefix := canonical(dir)
	seen := map[string]bool{}
	var mounts []string
	for _, entry := range entries {
		mp := entry.Mountpoint
		if mp != prefix && !strings.HasPrefix(mp, prefix+"/") {
			continue
		}
		if !seen[mp] {
			seen[mp] = true
			mounts = append(mounts, mp)
		}
	}
	sort.Slice(mounts, func(i, j int) bool { return len(mounts[i]) > len(mounts[j]) })
	return mounts, nil
}
