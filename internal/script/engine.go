package script

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/logging"
)

// #region types
// Source is a named script body.
type Source struct {
	Name string
	Body string
}

// Outcome is the result of evaluating a source or calling a function.
// When OK is false, Diagnostic carries the reason and Value is empty.
type Outcome struct {
	Value      string
	OK         bool
	Diagnostic string
}

// NoResult builds a failed outcome.
func NoResult(diagnostic string) Outcome {
	return Outcome{Diagnostic: diagnostic}
}

// Context is one isolated evaluation scope. Definitions made by one
// Evaluate are visible to later calls on the same Context.
type Context interface {
	Evaluate(src Source) Outcome
	CallFunction(name string, args ...Arg) Outcome
}

// Runner hands out shared evaluation contexts.
type Runner interface {
	RunInSharedContext(body func(Context))
}
// #endregion types

// #region engine
// Engine owns the compiled-program cache shared by every context and the
// normalizer that receives each session's console output.
type Engine struct {
	logger     *zap.Logger
	normalizer *logging.Normalizer

	mu       sync.Mutex
	programs map[[sha256.Size]byte]*goja.Program
}

// NewEngine creates an engine. A nil normalizer uses the default rule table.
func NewEngine(logger *zap.Logger, normalizer *logging.Normalizer) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if normalizer == nil {
		normalizer = logging.NewNormalizer(logger, logging.DefaultRules)
	}
	return &Engine{
		logger:     logger,
		normalizer: normalizer,
		programs:   make(map[[sha256.Size]byte]*goja.Program),
	}
}

// RunInSharedContext creates one context, runs body against it, flushes the
// session's console output once, then discards the context.
func (e *Engine) RunInSharedContext(body func(Context)) {
	s := e.newSession()
	defer e.normalizer.Flush(&s.buf)
	body(s)
}

// Evaluate runs src in a throwaway context.
func (e *Engine) Evaluate(src Source) Outcome {
	var out Outcome
	e.RunInSharedContext(func(c Context) {
		out = c.Evaluate(src)
	})
	return out
}

// Call loads sources in order and calls name in a throwaway context. Loading
// stops at the first source that fails.
func (e *Engine) Call(sources []Source, name string, args ...Arg) Outcome {
	var out Outcome
	e.RunInSharedContext(func(c Context) {
		for _, src := range sources {
			if r := c.Evaluate(src); !r.OK {
				out = r
				return
			}
		}
		out = c.CallFunction(name, args...)
	})
	return out
}

func (e *Engine) compile(src Source) (*goja.Program, error) {
	key := sha256.Sum256([]byte(src.Body))

	e.mu.Lock()
	p, ok := e.programs[key]
	e.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := goja.Compile(src.Name, src.Body, false)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.programs[key] = p
	e.mu.Unlock()
	return p, nil
}

// cachedPrograms reports the number of compiled programs held.
func (e *Engine) cachedPrograms() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.programs)
}
// #endregion engine

// #region session
type session struct {
	engine *Engine
	rt     *goja.Runtime
	buf    logging.Buffer
}

func (e *Engine) newSession() *session {
	s := &session{engine: e, rt: goja.New()}
	console := s.rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		console.Set(level, s.consoleHook)
	}
	s.rt.Set("console", console)
	return s
}

func (s *session) consoleHook(call goja.FunctionCall) goja.Value {
	parts := make([]string, 0, len(call.Arguments))
	for _, a := range call.Arguments {
		parts = append(parts, a.String())
	}
	s.buf.Append(strings.Join(parts, " "))
	return goja.Undefined()
}

func (s *session) Evaluate(src Source) Outcome {
	p, err := s.engine.compile(src)
	if err != nil {
		return s.exception(src.Name, err)
	}
	v, err := s.rt.RunProgram(p)
	if err != nil {
		return s.exception(src.Name, err)
	}
	return Outcome{Value: valueText(v), OK: true}
}

func (s *session) CallFunction(name string, args ...Arg) Outcome {
	v, err := s.rt.RunString(callExpression(name, args))
	if err != nil {
		return s.exception(name, err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return NoResult(fmt.Sprintf("%s returned no value", name))
	}
	return Outcome{Value: v.String(), OK: true}
}

// exception is the context's exception hook: the failure is logged and
// surfaced as a failed outcome, never as an error.
func (s *session) exception(where string, err error) Outcome {
	var ex *goja.Exception
	var syntax *goja.CompilerSyntaxError
	diagnostic := err.Error()
	switch {
	case errors.As(err, &ex):
		diagnostic = ex.Error()
	case errors.As(err, &syntax):
		diagnostic = "syntax: " + syntax.Error()
	}
	s.engine.logger.Warn("script exception", zap.String("source", where), zap.String("diagnostic", diagnostic))
	return NoResult(diagnostic)
}

func valueText(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
// #endregion session
