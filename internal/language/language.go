// Package language defines the programming languages a room's shared buffer
// can be bound to.
package language

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

type Language string

const (
	Bash        Language = "BASH"
	C           Language = "C"
	CPlusPlus   Language = "C_PLUS_PLUS"
	CSharp      Language = "C_SHARP"
	Cobol       Language = "COBOL"
	D           Language = "D"
	Dart        Language = "DART"
	Elixir      Language = "ELIXIR"
	Erlang      Language = "ERLANG"
	FSharp      Language = "F_SHARP"
	Fortran     Language = "FORTRAN"
	Go          Language = "GO"
	Haskell     Language = "HASKELL"
	Java        Language = "JAVA"
	JavaScript  Language = "JAVASCRIPT"
	Kotlin      Language = "KOTLIN"
	Lisp        Language = "LISP"
	Lua         Language = "LUA"
	ObjectiveC  Language = "OBJECTIVE_C"
	OCaml       Language = "OCAML"
	Octave      Language = "OCTAVE"
	Pandas      Language = "PANDAS"
	Pascal      Language = "PASCAL"
	Perl        Language = "PERL"
	PHP         Language = "PHP"
	Prolog      Language = "PROLOG"
	Python      Language = "PYTHON"
	PythonThree Language = "PYTHON_THREE"
	Ruby        Language = "RUBY"
	Rust        Language = "RUST"
	Scala       Language = "SCALA"
	Swift       Language = "SWIFT"
	TypeScript  Language = "TYPESCRIPT"
	VisualBasic Language = "VISUAL_BASIC"
)

// Default is used when neither the room nor the user has a preference.
const Default = PythonThree

var ErrUnknownLanguage = errors.New("unknown language")

var all = []Language{
	Bash, C, CPlusPlus, CSharp, Cobol, D, Dart, Elixir, Erlang, FSharp,
	Fortran, Go, Haskell, Java, JavaScript, Kotlin, Lisp, Lua, ObjectiveC,
	OCaml, Octave, Pandas, Pascal, Perl, PHP, Prolog, Python, PythonThree,
	Ruby, Rust, Scala, Swift, TypeScript, VisualBasic,
}

// All returns every supported language.
func All() []Language {
	return slices.Clone(all)
}

func (l Language) Valid() bool {
	return slices.Contains(all, l)
}

func (l Language) String() string {
	return string(l)
}

// Parse accepts a language name in any case, with '-' or ' ' in place of
// '_'.
func Parse(s string) (Language, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	l := Language(norm)
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownLanguage, s)
	}
	return l, nil
}

func (l *Language) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Lookup returns a stored preference, or the empty Language when there is
// none.
type Lookup func(ctx context.Context) (Language, error)

// Resolve runs the lookup and settles on a usable language. It never fails:
// a lookup error, an empty result or an unsupported value all yield Default.
// The lookup error, if any, is returned alongside so callers can log it.
func Resolve(ctx context.Context, lookup Lookup) (Language, error) {
	if lookup == nil {
		return Default, nil
	}
	l, err := lookup(ctx)
	if err != nil {
		return Default, err
	}
	if !l.Valid() {
		return Default, nil
	}
	return l, nil
}
