// SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// maxBraceCandidates bounds the balanced-brace scan on very chatty responses.
const maxBraceCandidates = 8

// ExtractJSON decodes the best usable JSON object or array found in raw.
// Strategies, loosest last: the whole text, fenced code blocks, balanced-brace
// spans, then each of those again with trailing commas removed. When v points to
// a struct, the first object carrying one of its JSON keys wins; otherwise the
// first usable candidate is decoded.
func ExtractJSON(raw string, v any) error {
	candidates := jsonCandidates(raw)
	var usable []string
	for _, c := range candidates {
		if json.Valid([]byte(c)) {
			usable = append(usable, c)
		}
	}
	for _, c := range candidates {
		repaired := removeTrailingCommas(c)
		if repaired != c && json.Valid([]byte(repaired)) {
			usable = append(usable, repaired)
		}
	}
	if len(usable) == 0 {
		return ErrNoJSON
	}

	if known := jsonKeys(v); len(known) > 0 {
		for _, c := range usable {
			if hasKnownKey(c, known) {
				return decode(c, v)
			}
		}
	}
	return decode(usable[0], v)
}

func decode(s string, v any) error {
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// jsonKeys returns the lower-cased JSON names of the struct v points to.
func jsonKeys(v any) map[string]struct{} {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	keys := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		keys[strings.ToLower(name)] = struct{}{}
	}
	return keys
}

// hasKnownKey reports whether s is an object with at least one key in known.
// Keys match case-insensitively, as encoding/json does.
func hasKnownKey(s string, known map[string]struct{}) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return false
	}
	for k := range obj {
		if _, ok := known[strings.ToLower(k)]; ok {
			return true
		}
	}
	return false
}

func jsonCandidates(raw string) []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || (s[0] != '{' && s[0] != '[') {
			return
		}
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}

	add(raw)
	for _, m := range fencedBlock.FindAllStringSubmatch(raw, -1) {
		add(m[1])
	}
	for _, span := range balancedSpans(raw, maxBraceCandidates) {
		add(span)
	}
	return out
}

// balancedSpans returns top-level {...} spans, honouring JSON string escapes.
func balancedSpans(s string, limit int) []string {
	var spans []string
	for i := 0; i < len(s) && len(spans) < limit; i++ {
		if s[i] != '{' {
			continue
		}
		end := matchBrace(s, i)
		if end < 0 {
			// A stray brace in prose; a later object may still close.
			continue
		}
		spans = append(spans, s[i:end+1])
		i = end
	}
	return spans
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// removeTrailingCommas drops commas that directly precede a closing bracket,
// leaving string contents untouched.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.ContainsRune(" \t\r\n", rune(s[j])) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
