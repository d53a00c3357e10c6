// Package grouper folds a batch into groups of devices that printed the
// same thing, so a fleet-wide answer reads as a handful of blocks.
package grouper

import (
	"crypto/sha256"
	"strings"

	"github.com/agent462/devbatch/internal/dispatch"
)

// OutputGroup is a set of devices whose output is byte-identical.
type OutputGroup struct {
	Devices []string
	Output  string
	IsNorm  bool   // the largest group
	Diff    string // line diff against the norm; empty for the norm
}

// GroupedResults splits a batch into output groups and the devices that
// produced no output.
type GroupedResults struct {
	Groups   []OutputGroup
	Failed   []dispatch.DeviceResult
	TimedOut []dispatch.DeviceResult
}

// Group buckets succeeded results by output. The largest bucket becomes the
// norm and comes first; ties go to the bucket seen first. The other buckets
// follow in first-seen order, each with a diff against the norm. Devices
// keep request order inside a bucket.
func Group(results []dispatch.DeviceResult) *GroupedResults {
	gr := &GroupedResults{}

	index := make(map[[sha256.Size]byte]int)
	var buckets []*OutputGroup

	for _, r := range results {
		switch r.Status() {
		case dispatch.StatusSucceeded:
		case dispatch.StatusTimedOut:
			gr.TimedOut = append(gr.TimedOut, r)
			continue
		default:
			gr.Failed = append(gr.Failed, r)
			continue
		}

		key := sha256.Sum256([]byte(r.Output()))
		i, ok := index[key]
		if !ok {
			i = len(buckets)
			index[key] = i
			buckets = append(buckets, &OutputGroup{Output: r.Output()})
		}
		buckets[i].Devices = append(buckets[i].Devices, r.Device())
	}

	if len(buckets) == 0 {
		return gr
	}

	norm := 0
	for i, b := range buckets {
		if len(b.Devices) > len(buckets[norm].Devices) {
			norm = i
		}
	}
	buckets[norm].IsNorm = true
	gr.Groups = append(gr.Groups, *buckets[norm])

	for i, b := range buckets {
		if i == norm {
			continue
		}
		b.Diff = lineDiff(buckets[norm].Output, b.Output)
		gr.Groups = append(gr.Groups, *b)
	}
	return gr
}

// maxDiffLines caps the LCS table; beyond it the diff is a full
// replacement.
const maxDiffLines = 500

// lineDiff renders a unified-style diff of b against the norm a.
func lineDiff(a, b string) string {
	x, y := splitLines(a), splitLines(b)

	var out strings.Builder
	out.WriteString("--- norm\n+++ outlier\n")
	emit := func(prefix, line string) {
		out.WriteString(prefix)
		out.WriteString(line)
		out.WriteByte('\n')
	}

	if len(x) > maxDiffLines || len(y) > maxDiffLines {
		for _, l := range x {
			emit("-", l)
		}
		for _, l := range y {
			emit("+", l)
		}
		return out.String()
	}

	// lcs[i][j] is the LCS length of x[i:] and y[j:].
	lcs := make([][]int, len(x)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(y)+1)
	}
	for i := len(x) - 1; i >= 0; i-- {
		for j := len(y) - 1; j >= 0; j-- {
			if x[i] == y[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	i, j := 0, 0
	for i < len(x) && j < len(y) {
		switch {
		case x[i] == y[j]:
			emit(" ", x[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			emit("-", x[i])
			i++
		default:
			emit("+", y[j])
			j++
		}
	}
	for ; i < len(x); i++ {
		emit("-", x[i])
	}
	for ; j < len(y); j++ {
		emit("+", y[j])
	}
	return out.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
