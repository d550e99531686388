package diary

import (
	"fmt"
	"strings"
)

// buildReport renders the entries of a date range as a Markdown
// document, one section per day.
func buildReport(start, end string, entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# 周报 %s ~ %s\n", start, end)

	if len(entries) == 0 {
		b.WriteString("\n本周暂无日记。\n")
		return b.String()
	}

	currentDate := ""
	for _, e := range entries {
		if e.Date != currentDate {
			currentDate = e.Date
			fmt.Fprintf(&b, "\n### %s\n", e.Date)
		}
		b.WriteString(strings.TrimSpace(e.Body))
		b.WriteString("\n")
	}

	return b.String()
}
