// Package guard rejects commands that match an operator-maintained
// blocklist before they are sent to any device.
package guard

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrBlocked is matched by every *BlockedError.
var ErrBlocked = errors.New("command blocked")

// BlockedError reports a command rejected by the blocklist. Pattern is
// empty when the blocklist itself could not be read.
type BlockedError struct {
	Command string
	Pattern string
	Reason  string
}

func (e *BlockedError) Error() string {
	if e.Pattern == "" {
		return fmt.Sprintf("command %q blocked: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("command %q matches blocked pattern '%s'", e.Command, e.Pattern)
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

type rule struct {
	pattern string
	re      *regexp.Regexp
	prefix  string
}

func (r rule) match(command string) bool {
	if r.re != nil {
		return r.re.MatchString(command)
	}
	return strings.HasPrefix(command, r.prefix)
}

// Blocklist checks commands against a list of patterns.
type Blocklist struct {
	path    string
	rules   []rule
	loadErr error
}

// Load reads a blocklist file. A missing or unreadable file does not fail
// here; the returned Blocklist rejects every command instead.
func Load(path string) *Blocklist {
	b := &Blocklist{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loadErr = fmt.Errorf("blocklist %s not found", path)
		} else {
			b.loadErr = fmt.Errorf("reading blocklist %s: %w", path, err)
		}
		return b
	}
	b.rules = parse(data)
	return b
}

// New builds a blocklist from in-memory patterns.
func New(patterns ...string) *Blocklist {
	return &Blocklist{rules: parse([]byte(strings.Join(patterns, "\n")))}
}

func parse(data []byte) []rule {
	var rules []rule
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := normalize(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r := rule{pattern: line}
		if re, err := regexp.Compile("^(?:" + line + ")"); err == nil {
			r.re = re
		} else {
			r.prefix = line
		}
		rules = append(rules, r)
	}
	return rules
}

// normalize trims and collapses runs of whitespace to a single space.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Patterns returns the loaded patterns in file order.
func (b *Blocklist) Patterns() []string {
	out := make([]string, len(b.rules))
	for i, r := range b.rules {
		out[i] = r.pattern
	}
	return out
}

// Check returns a *BlockedError when command is not allowed.
func (b *Blocklist) Check(command string) error {
	if b.loadErr != nil {
		return &BlockedError{Command: command, Reason: b.loadErr.Error()}
	}
	cmd := normalize(command)
	for _, r := range b.rules {
		if r.match(cmd) {
			return &BlockedError{Command: command, Pattern: r.pattern}
		}
	}
	return nil
}
