package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// #region rules
// Rule rewrites one recognized free-text fragment of script console output
// into a quoted key/value fragment. Replacement uses $1, $2 group references.
type Rule struct {
	Name        string
	Pattern     string
	Replacement string
}

const num = `(-?\d+(?:\.\d+)?)`

// DefaultRules is the ordered rule table. Later rules see the output of
// earlier ones; the last rule joins fragment lines produced above.
var DefaultRules = []Rule{
	{"isf-unchanged", `ISF unchanged:\s*` + num + `\.?`, `"isf": "$1", "prevIsf": "$1",`},
	{"isf-changed", `ISF from\s+` + num + `\s+to\s+` + num + `\.?`, `"isf": "$2", "prevIsf": "$1",`},
	{"cr-unchanged", `CR unchanged:\s*` + num + `\.?`, `"cr": "$1", "prevCr": "$1",`},
	{"cr-changed", `CR from\s+` + num + `\s+to\s+` + num + `\.?`, `"cr": "$2", "prevCr": "$1",`},
	{"autosens-ratio", `Autosens ratio:\s*` + num + `;?`, `"autosensRatio": "$1",`},
	{"smb-enabled", `SMB enabled\s*\(([^)"]*)\)`, `"smb": "enabled", "smbReason": "$1",`},
	{"smb-disabled", `SMB disabled\s*\(([^)"]*)\)`, `"smb": "disabled", "smbReason": "$1",`},
	{"target", `Target (?:bg|BG):?\s*` + num, `"target": "$1",`},
	{"tdd", `TDD:\s*` + num, `"tdd": "$1",`},
	{"join-lines", `,[ \t]*\r?\n[ \t]*(?=")`, `, `},
}

const ruleTimeout = time.Second

type compiledRule struct {
	name        string
	re          *regexp2.Regexp
	replacement string
}
// #endregion rules

// #region buffer
// Buffer accumulates console lines for one evaluation session.
type Buffer struct {
	mu    sync.Mutex
	lines []string
}

// Append adds a line; blank lines are dropped.
func (b *Buffer) Append(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

// Len reports the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

func (b *Buffer) drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines
	b.lines = nil
	return lines
}
// #endregion buffer

// #region normalizer
// Entry is the consolidated output of one flush.
type Entry struct {
	Structured bool
	Text       string
}

// Normalizer turns a session's console output into one log entry.
type Normalizer struct {
	logger *zap.Logger
	rules  []compiledRule
}

// NewNormalizer compiles rules in order. A rule that fails to compile is
// logged and left out; the others still apply.
func NewNormalizer(logger *zap.Logger, rules []Rule) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Normalizer{logger: logger}
	for _, r := range rules {
		re, err := regexp2.Compile(r.Pattern, regexp2.None)
		if err != nil {
			logger.Error("skip log rule", zap.String("rule", r.Name), zap.Error(err))
			continue
		}
		re.MatchTimeout = ruleTimeout
		n.rules = append(n.rules, compiledRule{name: r.Name, re: re, replacement: r.Replacement})
	}
	return n
}

// Rewrite applies every rule in order.
func (n *Normalizer) Rewrite(text string) string {
	for _, r := range n.rules {
		out, err := r.re.Replace(text, r.replacement, -1, -1)
		if err != nil {
			n.logger.Error("log rule failed", zap.String("rule", r.name), zap.Error(err))
			continue
		}
		text = out
	}
	return text
}

// Render builds the entry for a set of lines without logging it.
func (n *Normalizer) Render(lines []string) Entry {
	raw := strings.TrimSpace(strings.Join(lines, "\n"))
	if raw == "" {
		return Entry{}
	}

	body := strings.TrimSpace(n.Rewrite(raw))
	body = strings.TrimSuffix(body, ",")
	wrapped := "{" + body + "}"
	if !json.Valid([]byte(wrapped)) {
		return Entry{Text: raw}
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(wrapped), "", "    "); err != nil {
		return Entry{Text: raw}
	}
	return Entry{Structured: true, Text: pretty.String()}
}

// Flush drains the buffer and emits one entry for it. Nothing is logged for
// an empty session.
func (n *Normalizer) Flush(b *Buffer) Entry {
	e := n.Render(b.drain())
	switch {
	case e.Text == "":
	case e.Structured:
		n.logger.Info("script log", zap.Bool("structured", true), zap.String("entry", e.Text))
	default:
		n.logger.Info("script log", zap.String("entry", e.Text))
	}
	return e
}
// #endregion normalizer
