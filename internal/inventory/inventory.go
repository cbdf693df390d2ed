// Package inventory edits the ansible "hosts" inventory shared by the
// fleet. Lines are addressed by the node tag "<ip>_<port>".
package inventory

import (
	"fmt"
	"os"
	"strings"
)

// LocalMarker forces ansible to run tasks of a host on the local machine.
const LocalMarker = "ansible_connection=local"

// File is an inventory on disk. Every edit reads the whole file, rewrites
// it in memory and writes it back; callers serialize writers.
type File struct {
	Path string
}

func (f File) rewrite(edit func(line string) string) error {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return fmt.Errorf("stat inventory: %w", err)
	}

	lines := strings.SplitAfter(string(data), "\n")
	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		b.WriteString(edit(line))
	}

	if err := os.WriteFile(f.Path, []byte(b.String()), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	return nil
}

func splitEOL(line string) (string, string) {
	if strings.HasSuffix(line, "\n") {
		return strings.TrimSuffix(line, "\n"), "\n"
	}
	return line, ""
}

// hostOf returns the host name of an entry line: its first field.
func hostOf(body string) string {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SetLocal marks the entry of tag as local and strips the marker from
// every other entry. Only an entry whose host name is exactly tag
// matches.
func (f File) SetLocal(tag string) error {
	return f.rewrite(func(line string) string {
		body, eol := splitEOL(line)
		if strings.Contains(body, LocalMarker) {
			body = strings.TrimRight(strings.Replace(body, " "+LocalMarker, "", 1), " ")
			body = strings.Replace(body, LocalMarker, "", 1)
		}
		if hostOf(body) == tag {
			body = strings.TrimRight(body, " ") + " " + LocalMarker
		}
		return body + eol
	})
}

// ReplaceHost points every ansible_host/ansible_ssh_host entry at oldIP
// to newIP.
func (f File) ReplaceHost(oldIP, newIP string) error {
	if oldIP == newIP {
		return nil
	}
	return f.rewrite(func(line string) string {
		for _, key := range []string{"ansible_host", "ansible_ssh_host"} {
			line = strings.ReplaceAll(line,
				" "+key+"="+oldIP+" ",
				" "+key+"="+newIP+" ")
		}
		return line
	})
}
