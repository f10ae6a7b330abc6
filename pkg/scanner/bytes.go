package scanner

import "strconv"

func ScanUintField(payload []byte, key []byte) (uint64, bool) {
	i, ok := valueStart(payload, key)
	if !ok || payload[i] < '0' || payload[i] > '9' {
		return 0, false
	}
	var v uint64
	for i < len(payload) && payload[i] >= '0' && payload[i] <= '9' {
		v = v*10 + uint64(payload[i]-'0')
		i++
	}
	return v, true
}

func ScanStringField(payload []byte, key []byte) ([]byte, bool) {
	i, ok := valueStart(payload, key)
	if !ok || payload[i] != '"' {
		return nil, false
	}
	i++
	start := i
	for i < len(payload) && payload[i] != '"' {
		i++
	}
	if i >= len(payload) {
		return nil, false
	}
	return payload[start:i], true
}

// ScanFloatField reads a numeric value that may be bare or quoted.
func ScanFloatField(payload []byte, key []byte) (float64, bool) {
	raw, ok := ScanNumberToken(payload, key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ScanNumberToken returns the digits of a numeric value, with surrounding quotes stripped.
func ScanNumberToken(payload []byte, key []byte) ([]byte, bool) {
	i, ok := valueStart(payload, key)
	if !ok {
		return nil, false
	}
	quoted := payload[i] == '"'
	if quoted {
		i++
	}
	start := i
	for i < len(payload) && isNumberByte(payload[i]) {
		i++
	}
	if i == start {
		return nil, false
	}
	if quoted && (i >= len(payload) || payload[i] != '"') {
		return nil, false
	}
	return payload[start:i], true
}

// ScanTokenField returns a string value or the raw text of a scalar value.
func ScanTokenField(payload []byte, key []byte) ([]byte, bool) {
	if v, ok := ScanStringField(payload, key); ok {
		return v, true
	}
	i, ok := valueStart(payload, key)
	if !ok {
		return nil, false
	}
	start := i
	for i < len(payload) && payload[i] != ',' && payload[i] != '}' && payload[i] != ']' && !IsSpace(payload[i]) {
		i++
	}
	if i == start {
		return nil, false
	}
	return payload[start:i], true
}

// valueStart returns the index of the first non-space byte after key's colon.
func valueStart(payload []byte, key []byte) (int, bool) {
	idx := IndexOf(payload, key)
	if idx < 0 {
		return 0, false
	}
	i := idx + len(key)
	for i < len(payload) && IsSpace(payload[i]) {
		i++
	}
	if i >= len(payload) || payload[i] != ':' {
		return 0, false
	}
	i++
	for i < len(payload) && IsSpace(payload[i]) {
		i++
	}
	if i >= len(payload) {
		return 0, false
	}
	return i, true
}

func IndexOf(payload []byte, key []byte) int {
	return indexFrom(payload, key, 0)
}

// LastIndexByte returns the index of the last c in payload, or -1.
func LastIndexByte(payload []byte, c byte) int {
	for i := len(payload) - 1; i >= 0; i-- {
		if payload[i] == c {
			return i
		}
	}
	return -1
}

func indexFrom(payload []byte, key []byte, from int) int {
	if len(key) == 0 || len(payload) < len(key) {
		return -1
	}
outer:
	for i := from; i <= len(payload)-len(key); i++ {
		for j := 0; j < len(key); j++ {
			if payload[i+j] != key[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func IsSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isNumberByte(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.' || b == '-' || b == '+' || b == 'e' || b == 'E'
}

func BytesContains(haystack []byte, needle []byte) bool {
	if len(needle) == 0 {
		return true
	}
	return IndexOf(haystack, needle) >= 0
}
