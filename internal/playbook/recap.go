package playbook

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

var recapLine = regexp.MustCompile(`^(\S+)\s*:\s*ok=\d+.*`)

var recapCounter = regexp.MustCompile(`\b(failed|unreachable)=(\d+)`)

// ParseRecap returns the hosts the PLAY RECAP section reports as failed
// or unreachable, in output order.
func ParseRecap(output string) []string {
	var hosts []string
	inRecap := false
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "PLAY RECAP") {
			inRecap = true
			hosts = hosts[:0]
			continue
		}
		if !inRecap {
			continue
		}
		m := recapLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for _, c := range recapCounter.FindAllStringSubmatch(line, -1) {
			if n, _ := strconv.Atoi(c[2]); n > 0 {
				hosts = append(hosts, m[1])
				break
			}
		}
	}
	return hosts
}
