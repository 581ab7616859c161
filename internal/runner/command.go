package runner

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	errEmptyCommand      = errors.New("empty command")
	errTrailingEscape    = errors.New("trailing backslash in command")
	errUnterminatedQuote = errors.New("unclosed quote in command")
)

// operators that a shell would interpret. Commands run without one, so
// finding these unquoted means the config expects behaviour we won't give.
var shellOperators = []struct{ token, name string }{
	{"|", "pipe operator"},
	{"&&", "AND operator"},
	{"||", "OR operator"},
	{";", "command separator"},
	{">", "output redirect"},
	{">>", "append redirect"},
	{"<", "input redirect"},
}

// ParseCommand splits a configured evaluator or fixer command line into
// argv following POSIX quoting: single quotes are literal, double quotes
// and bare text honour backslash escapes. Unquoted shell operators and
// backticks are rejected.
func ParseCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errEmptyCommand
	}
	if strings.ContainsRune(command, '`') {
		return nil, fmt.Errorf("shell operators not supported: found backtick; configure argv without shell interpretation")
	}

	words, err := lex(command)
	if err != nil {
		return nil, err
	}
	for _, w := range words {
		if w.quoted {
			continue
		}
		for _, op := range shellOperators {
			if w.text == op.token {
				return nil, fmt.Errorf("shell operators not supported: found %s (%q)", op.name, op.token)
			}
		}
	}

	argv := make([]string, len(words))
	for i, w := range words {
		argv[i] = w.text
	}
	return argv, nil
}

type word struct {
	text string
	// quoted is set when any part of the word came from quotes or escapes
	quoted bool
}

func lex(s string) ([]word, error) {
	var (
		words   []word
		cur     strings.Builder
		quoted  bool
		started bool
		quote   rune
		escape  bool
	)
	flush := func() {
		if started {
			words = append(words, word{text: cur.String(), quoted: quoted})
		}
		cur.Reset()
		quoted, started = false, false
	}

	for _, r := range s {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\\':
			escape, started, quoted = true, true, true
		case quote == '"':
			if r == '"' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, started, quoted = r, true, true
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}

	switch {
	case escape:
		return nil, errTrailingEscape
	case quote != 0:
		return nil, errUnterminatedQuote
	}
	flush()
	if len(words) == 0 {
		return nil, errEmptyCommand
	}
	return words, nil
}
