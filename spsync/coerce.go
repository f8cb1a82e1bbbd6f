// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spsync

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Field coercion for values read from SharePoint list items. The REST
// layer hands back loosely typed JSON (numbers as float64, dates as
// either ISO-8601 or the legacy /Date(ms)/ envelope), so every read
// goes through these helpers.

// AsString converts v using invariant string conversion. nil yields "".
func AsString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers arrive as float64; render integers without a
		// fractional part.
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case time.Time:
		return s.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// AsInt parses v as an integer, then long, then double (cast to int).
func AsInt(v any) (int, bool) {
	n, ok := AsInt64(v)
	return int(n), ok
}

// AsInt64 parses v as an integer-valued number or numeric string.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), true
		}
		return 0, false
	}
	return 0, false
}

// AsBool accepts true|false|1|yes (case-insensitive) plus native bools
// and non-zero numbers.
func AsBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case int64:
		return b != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

// legacyDateRe matches the WCF date envelope: /Date(1700000000000)/ or
// /Date(1700000000000+0200)/.
var legacyDateRe = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)

// AsTime parses SharePoint date values: /Date(ms[+tz])/ envelopes and
// ISO-8601 strings. The result is normalized to UTC.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if m := legacyDateRe.FindStringSubmatch(s); m != nil {
			ms, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			// The offset suffix, when present, only describes the zone
			// the ticks were rendered in; the millisecond value itself
			// is epoch-based.
			return time.UnixMilli(ms).UTC(), true
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
		return time.Time{}, false
	case float64:
		// Epoch milliseconds as a bare number.
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}

// AsStringSlice decodes a JSON array of strings, a comma-separated
// string, or a native []string / []any.
func AsStringSlice(v any) []string {
	switch s := v.(type) {
	case nil:
		return nil
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str := AsString(item); str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			return nil
		}
		if strings.HasPrefix(trimmed, "[") {
			var arr []string
			if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
				return arr
			}
			// Fall through to comma splitting on malformed JSON.
		}
		parts := strings.Split(trimmed, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
