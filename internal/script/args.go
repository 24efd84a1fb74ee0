package script

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// #region kinds
// Kind is the declared type of a positional script argument.
type Kind int

const (
	KindJSON Kind = iota
	KindNumber
	KindBool
	KindDate
	KindString
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindString:
		return "string"
	case KindNull:
		return "null"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}
// #endregion kinds

// #region arg
// Arg is one argument of a script function call, rendered as a JavaScript
// literal when the call expression is built.
type Arg struct {
	kind    Kind
	literal string
}

// isoMillis is the ISO-8601 layout scripts expect for dates.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// JSON passes JSON text through verbatim. Empty or invalid text becomes null.
func JSON(text string) Arg {
	text = strings.TrimSpace(text)
	if text == "" || !json.Valid([]byte(text)) {
		return Arg{kind: KindJSON, literal: "null"}
	}
	return Arg{kind: KindJSON, literal: text}
}

// Value marshals v and passes the result as a JSON argument.
func Value(v any) Arg {
	b, err := json.Marshal(v)
	if err != nil {
		return JSON("")
	}
	return JSON(string(b))
}

func Number(f float64) Arg {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Arg{kind: KindNumber, literal: "null"}
	}
	return Arg{kind: KindNumber, literal: strconv.FormatFloat(f, 'f', -1, 64)}
}

func Bool(b bool) Arg {
	return Arg{kind: KindBool, literal: strconv.FormatBool(b)}
}

// Date renders t as a quoted ISO-8601 string in UTC.
func Date(t time.Time) Arg {
	return Arg{kind: KindDate, literal: strconv.Quote(t.UTC().Format(isoMillis))}
}

func String(s string) Arg {
	b, _ := json.Marshal(s)
	return Arg{kind: KindString, literal: string(b)}
}

func Null() Arg {
	return Arg{kind: KindNull, literal: "null"}
}

// Kind reports the argument's declared kind.
func (a Arg) Kind() Kind { return a.kind }

// Literal is the JavaScript source text for the argument.
func (a Arg) Literal() string {
	if a.literal == "" {
		return "null"
	}
	return a.literal
}

// IsNull reports whether the argument renders as null.
func (a Arg) IsNull() bool { return a.Literal() == "null" }
// #endregion arg

// callExpression builds the text evaluated for a function call; the result
// comes back as indented JSON text.
func callExpression(name string, args []Arg) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.Literal()
	}
	return "JSON.stringify(" + name + "(" + strings.Join(parts, ", ") + "), null, 4)"
}
