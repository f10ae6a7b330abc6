package reading

// Repair balances a damaged object: it closes an unterminated string, drops a
// dangling key, separator or partial literal, closes arrays left open before a
// '}', and appends the closers still missing at the end. The result is not
// guaranteed to be valid JSON; the caller re-runs the strict decoder on it.
func Repair(frame []byte) ([]byte, bool) {
	start := skipSpace(frame, 0)
	if start >= len(frame) || frame[start] != '{' {
		return nil, false
	}

	var (
		out      = make([]byte, 0, len(frame)+8)
		stack    = make([]byte, 0, 8)
		inString bool
		escaped  bool
	)
	for _, c := range frame[start:] {
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			out = append(out, c)
		case '{', '[':
			stack = append(stack, c)
			out = append(out, c)
		case '}':
			for len(stack) > 0 && stack[len(stack)-1] == '[' {
				out = append(trimDangling(out, false), ']')
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				continue
			}
			out = append(trimDangling(out, true), '}')
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				continue
			}
			out = append(trimDangling(out, false), ']')
			stack = stack[:len(stack)-1]
		default:
			out = append(out, c)
		}
		if len(stack) == 0 {
			// anything after the balancing '}' belongs to someone else
			break
		}
	}

	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out = append(out, '"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out = trimDangling(out, stack[i] == '{')
		if stack[i] == '{' {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}
	return out, true
}

// trimDangling strips a trailing token that cannot end a container:
// separators, a key without value, or a partial number or literal.
func trimDangling(out []byte, inObject bool) []byte {
	for {
		out = trimSpaceRight(out)
		n := len(out)
		if n == 0 {
			return out
		}
		c := out[n-1]
		switch {
		case c == ',':
			out = out[:n-1]
		case c == ':':
			out = trimSpaceRight(out[:n-1])
			if len(out) == 0 || out[len(out)-1] != '"' {
				return out
			}
			out = out[:stringStart(out)]
		case c == '"':
			open := stringStart(out)
			if !inObject || !isKeyPosition(out[:open]) {
				return out
			}
			out = out[:open]
		case c == '.' || c == '-' || c == '+':
			out = out[:n-1]
		case isLetter(c):
			w := n
			for w > 0 && isLetter(out[w-1]) {
				w--
			}
			switch string(out[w:]) {
			case "true", "false", "null":
				return out
			}
			if w > 0 && out[w-1] >= '0' && out[w-1] <= '9' {
				// exponent marker of a partial number such as 1e
				out = out[:w]
				continue
			}
			out = out[:w]
		default:
			return out
		}
	}
}

// stringStart returns the index of the opening quote of the string that ends
// at the last byte of out.
func stringStart(out []byte) int {
	for i := len(out) - 2; i >= 0; i-- {
		if out[i] != '"' {
			continue
		}
		backslashes := 0
		for j := i - 1; j >= 0 && out[j] == '\\'; j-- {
			backslashes++
		}
		if backslashes%2 == 0 {
			return i
		}
	}
	return 0
}

// isKeyPosition reports whether a string starting right after prefix would be an object key.
func isKeyPosition(prefix []byte) bool {
	prefix = trimSpaceRight(prefix)
	if len(prefix) == 0 {
		return false
	}
	last := prefix[len(prefix)-1]
	return last == '{' || last == ','
}

func trimSpaceRight(b []byte) []byte {
	for len(b) > 0 {
		switch b[len(b)-1] {
		case ' ', '\t', '\r', '\n':
			b = b[:len(b)-1]
		default:
			return b
		}
	}
	return b
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
