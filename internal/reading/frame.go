package reading

import "tickrelay/pkg/scanner"

type frameKind uint8

const (
	// frameComplete is a balanced object.
	frameComplete frameKind = iota
	// frameTruncated is an object cut short by the start of the next record.
	frameTruncated
	// frameFragment is loose text between records that still names an instrument.
	frameFragment
)

type frame struct {
	data []byte
	kind frameKind
}

type matchStatus uint8

const (
	matchComplete matchStatus = iota
	matchTruncated
	matchNeedMore
)

const maxKeyLen = 32

// splitFrames cuts buf into frames. Bytes before consumed are final;
// buf[consumed:] is an unfinished record (or unfinished loose text) to carry over.
func splitFrames(buf []byte) ([]frame, int) {
	var frames []frame
	i, looseStart := 0, 0
	for i < len(buf) {
		if buf[i] != '{' {
			i++
			continue
		}
		frames = appendFragment(frames, buf[looseStart:i])
		end, status := matchRecord(buf, i)
		switch status {
		case matchNeedMore:
			return frames, i
		case matchComplete:
			frames = append(frames, frame{data: buf[i:end], kind: frameComplete})
		case matchTruncated:
			frames = append(frames, frame{data: buf[i:end], kind: frameTruncated})
		}
		i = end
		looseStart = end
	}
	if hasPayloadBytes(buf[looseStart:]) {
		return frames, looseStart
	}
	return frames, len(buf)
}

func appendFragment(frames []frame, loose []byte) []frame {
	if len(loose) == 0 || !hasInstrumentKey(loose) {
		return frames
	}
	return append(frames, frame{data: loose, kind: frameFragment})
}

// matchRecord finds the end of the record starting at buf[start] == '{'.
// For a truncated record, end is the offset where the next record begins.
func matchRecord(buf []byte, start int) (int, matchStatus) {
	var (
		stack    [64]byte
		depth    int
		inString bool
		escaped  bool
	)
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c == '{':
				switch startsRecord(buf, start, i) {
				case decisionYes:
					return i, matchTruncated
				case decisionUnknown:
					return 0, matchNeedMore
				}
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			inArray := depth > 0 && depth <= len(stack) && stack[depth-1] == '['
			if depth > 0 && !inArray && prevNonSpace(buf, start, i) != ':' {
				switch startsRecord(buf, start, i) {
				case decisionYes:
					return i, matchTruncated
				case decisionUnknown:
					return 0, matchNeedMore
				}
			}
			if depth < len(stack) {
				stack[depth] = '{'
			}
			depth++
		case '[':
			if depth < len(stack) {
				stack[depth] = '['
			}
			depth++
		case '}':
			// a '}' also closes any arrays left open inside the object
			for depth > 0 && depth <= len(stack) && stack[depth-1] == '[' {
				depth--
			}
			if depth > 0 {
				depth--
			}
			if depth == 0 {
				return i + 1, matchComplete
			}
		case ']':
			if depth > 1 && depth <= len(stack) && stack[depth-1] == '[' {
				depth--
			}
		}
	}
	return 0, matchNeedMore
}

type decision uint8

const (
	decisionNo decision = iota
	decisionYes
	decisionUnknown
)

// startsRecord decides whether the '{' at buf[at] opens a new record rather than
// a nested value: it must be followed by an instrument key and a colon, and the
// record started at recStart must already carry an instrument of its own.
// Callers only ask for braces outside value position.
func startsRecord(buf []byte, recStart, at int) decision {
	j := skipSpace(buf, at+1)
	if j >= len(buf) {
		return decisionUnknown
	}
	if buf[j] != '"' {
		return decisionNo
	}
	k := j + 1
	for k < len(buf) && buf[k] != '"' {
		if k-j > maxKeyLen {
			return decisionNo
		}
		k++
	}
	if k >= len(buf) {
		return decisionUnknown
	}
	if !isInstrumentKey(buf[j+1 : k]) {
		return decisionNo
	}
	m := skipSpace(buf, k+1)
	if m >= len(buf) {
		return decisionUnknown
	}
	if buf[m] != ':' {
		return decisionNo
	}
	if !hasInstrumentKey(buf[recStart:at]) {
		return decisionNo
	}
	return decisionYes
}

func hasInstrumentKey(b []byte) bool {
	for _, key := range quotedInstrumentKeys {
		if scanner.IndexOf(b, key) >= 0 {
			return true
		}
	}
	return false
}

// hasPayloadBytes reports whether b holds anything besides record separators.
func hasPayloadBytes(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n', ',', '[', ']':
		default:
			return true
		}
	}
	return false
}

// prevNonSpace returns the last non-space byte in buf[from:at], or 0.
func prevNonSpace(buf []byte, from, at int) byte {
	for i := at - 1; i >= from; i-- {
		if !scanner.IsSpace(buf[i]) {
			return buf[i]
		}
	}
	return 0
}

func skipSpace(buf []byte, i int) int {
	for i < len(buf) && scanner.IsSpace(buf[i]) {
		i++
	}
	return i
}
