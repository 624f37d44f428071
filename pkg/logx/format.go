package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

const (
	chatLineLimit  = 3500
	chatValueLimit = 600
	chatStackLimit = 900
)

// FormatChatLine turns one JSON log line into the text posted to the log chat:
//
//	[WARN] message
//	- key=value
//
// Keys are sorted and long values cut. Non-JSON input is passed through trimmed.
func FormatChatLine(p []byte) string {
	line := bytes.TrimSpace(p)
	var ev map[string]any
	if json.Unmarshal(line, &ev) != nil {
		return truncate(string(line), chatLineLimit)
	}

	var b strings.Builder
	if lvl, _ := ev["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := ev["message"].(string)
	b.WriteString(msg)
	delete(ev, "time")
	delete(ev, "level")
	delete(ev, "message")

	for _, k := range slices.Sorted(maps.Keys(ev)) {
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", truncate(fmt.Sprint(ev[k]), chatStackLimit))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(ev[k]), chatValueLimit))
	}
	return truncate(b.String(), chatLineLimit)
}

// truncate cuts s to n bytes, marking the cut with "..." when n leaves room.
func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
