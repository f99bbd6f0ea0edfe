package iclock

import "strings"

// Fields holds the Key=Value tokens of one upload line, keys as sent by the terminal.
type Fields map[string]string

// Lookup returns the first non-empty value among keys, matched case-insensitively.
func (f Fields) Lookup(keys ...string) string {
	for _, key := range keys {
		if value, ok := f[key]; ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	for _, key := range keys {
		for k, value := range f {
			if strings.EqualFold(k, key) && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

// Has reports whether any of keys carries a non-empty value.
func (f Fields) Has(keys ...string) bool {
	return f.Lookup(keys...) != ""
}

// Clone returns a copy safe to retain beyond the request.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// splitTokens splits the body of a line into Key=Value tokens. Tabs are the
// canonical separator; space separated lines glue tokens without '=' onto the
// previous value so names containing spaces survive.
func splitTokens(body string) []string {
	if strings.Contains(body, "\t") {
		parts := strings.Split(body, "\t")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	var out []string
	for _, word := range strings.Fields(body) {
		if len(out) > 0 && !looksLikeAssignment(word) {
			out[len(out)-1] += " " + word
			continue
		}
		out = append(out, word)
	}
	return out
}

func looksLikeAssignment(token string) bool {
	idx := strings.IndexByte(token, '=')
	if idx <= 0 {
		return false
	}
	for _, r := range token[:idx] {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

func parseAssignments(tokens []string) Fields {
	fields := make(Fields, len(tokens))
	for _, token := range tokens {
		idx := strings.IndexByte(token, '=')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(token[:idx])
		fields[key] = strings.TrimSpace(token[idx+1:])
	}
	return fields
}
