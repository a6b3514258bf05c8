package proc

import (
	"fmt"
	"strings"
)

// Tokenize splits a command line into argv under POSIX shell quoting
// rules: single quotes are literal, double quotes allow backslash escapes
// for `"` and `\`, a bare backslash escapes the next rune. No expansion of
// any kind is performed; the input must already be a vetted command.
func Tokenize(line string) ([]string, error) {
	var (
		argv    []string
		current strings.Builder
		inWord  bool
	)

	const (
		stateNone = iota
		stateSingle
		stateDouble
	)
	state := stateNone
	escaped := false

	for _, r := range line {
		if escaped {
			current.WriteRune(r)
			escaped = false
			inWord = true
			continue
		}

		switch state {
		case stateSingle:
			if r == '\'' {
				state = stateNone
			} else {
				current.WriteRune(r)
			}
		case stateDouble:
			switch r {
			case '"':
				state = stateNone
			case '\\':
				escaped = true
			default:
				current.WriteRune(r)
			}
		default:
			switch {
			case r == '\'':
				state = stateSingle
				inWord = true
			case r == '"':
				state = stateDouble
				inWord = true
			case r == '\\':
				escaped = true
			case r == ' ' || r == '\t' || r == '\n':
				if inWord {
					argv = append(argv, current.String())
					current.Reset()
					inWord = false
				}
			default:
				current.WriteRune(r)
				inWord = true
			}
		}
	}

	if escaped {
		return nil, fmt.Errorf("trailing backslash in command line")
	}
	if state != stateNone {
		return nil, fmt.Errorf("unterminated quote in command line")
	}
	if inWord {
		argv = append(argv, current.String())
	}

	return argv, nil
}
