package console

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

var (
	// ErrUnterminatedQuote is returned for a line with an odd number of
	// unescaped double quotes.
	ErrUnterminatedQuote = errors.New("unterminated quote")
	// ErrDanglingEscape is returned for a line ending in a lone backslash.
	ErrDanglingEscape = errors.New("dangling escape")
)

// Parsed is one tokenized command line.
type Parsed struct {
	// Name is the first token.
	Name string
	// Args are the remaining tokens that are neither flags nor flag values.
	Args []string
	// Flags maps flag names, without dashes, to their value or "".
	Flags map[string]string
}

// HasFlag reports whether the flag was given, with or without a value.
func (p Parsed) HasFlag(name string) bool {
	_, ok := p.Flags[name]
	return ok
}

// Tokenize splits input on unquoted whitespace. Double quotes group
// words and a backslash takes the next character literally. A quoted
// empty string yields an empty token.
func Tokenize(input string) ([]string, error) {
	var (
		tokens   []string
		current  strings.Builder
		inQuotes bool
		escaped  bool
		pending  bool
	)
	flush := func() {
		if pending {
			tokens = append(tokens, current.String())
			current.Reset()
			pending = false
		}
	}

	for _, r := range input {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			pending = true
		case r == '"':
			inQuotes = !inQuotes
			pending = true
		case unicode.IsSpace(r) && !inQuotes:
			flush()
		default:
			current.WriteRune(r)
			pending = true
		}
	}

	if inQuotes {
		return nil, ErrUnterminatedQuote
	}
	if escaped {
		return nil, ErrDanglingEscape
	}
	flush()
	return tokens, nil
}

// Parse tokenizes input and separates flags from arguments.
//
// A token starting with "-" or "--" is a flag. "--name=value" carries its
// value inline; otherwise the next non-flag token becomes the flag's value.
// An empty line parses to a zero Parsed.
func Parse(input string) (Parsed, error) {
	tokens, err := Tokenize(input)
	if err != nil {
		return Parsed{}, err
	}
	if len(tokens) == 0 {
		return Parsed{}, nil
	}

	p := Parsed{
		Name:  tokens[0],
		Flags: make(map[string]string),
	}
	current := ""
	for _, tok := range tokens[1:] {
		if len(tok) > 1 && strings.HasPrefix(tok, "-") {
			name := strings.TrimPrefix(strings.TrimPrefix(tok, "-"), "-")
			if i := strings.IndexByte(name, '='); i >= 0 {
				p.Flags[name[:i]] = name[i+1:]
				current = ""
				continue
			}
			p.Flags[name] = ""
			current = name
			continue
		}
		if current != "" {
			p.Flags[current] = tok
			current = ""
			continue
		}
		p.Args = append(p.Args, tok)
	}
	return p, nil
}
