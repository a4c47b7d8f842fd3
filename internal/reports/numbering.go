package reports

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var questionPattern = regexp.MustCompile(`^\s*(?:\*\*)?\s*(?:Q(?:uestion)?\.?\s*)?(\d{1,4})\s*[.)]`)

// NumberingResult describes the question sequence found in a document.
type NumberingResult struct {
	Numbers []int
	Gaps    []int
	Repeats []int
}

// OK reports whether the sequence runs 1..N without gaps or repeats.
func (r NumberingResult) OK() bool {
	return len(r.Gaps) == 0 && len(r.Repeats) == 0
}

// Problem returns a human readable description of the first violation.
func (r NumberingResult) Problem() string {
	switch {
	case len(r.Gaps) > 0 && len(r.Repeats) > 0:
		return fmt.Sprintf("question %d is missing and question %d repeats", r.Gaps[0], r.Repeats[0])
	case len(r.Gaps) > 0:
		return fmt.Sprintf("question %d is missing (%d gaps total)", r.Gaps[0], len(r.Gaps))
	case len(r.Repeats) > 0:
		return fmt.Sprintf("question %d repeats (%d repeats total)", r.Repeats[0], len(r.Repeats))
	default:
		return ""
	}
}

// CheckNumbering scans line-leading question numbers (`1.`, `2)`, `Q3.`) and
// reports numbers missing from 1..max and numbers that appear more than once.
func CheckNumbering(text string) NumberingResult {
	var result NumberingResult
	seen := make(map[int]int)
	maxSeen := 0
	for _, line := range strings.Split(text, "\n") {
		match := questionPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil || n <= 0 {
			continue
		}
		result.Numbers = append(result.Numbers, n)
		seen[n]++
		if seen[n] == 2 {
			result.Repeats = append(result.Repeats, n)
		}
		if n > maxSeen {
			maxSeen = n
		}
	}
	for n := 1; n <= maxSeen; n++ {
		if seen[n] == 0 {
			result.Gaps = append(result.Gaps, n)
		}
	}
	return result
}
