// Package command turns an accepted subject line into a typed Command.
package command

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nhle/secretary/internal/filter"
	"github.com/nhle/secretary/internal/model"
)

// datePattern recognizes an ISO date argument after the command prefix.
var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Parser maps subject prefixes to command verbs. The verb set is
// closed; a subject matching no prefix parses to an error, which the
// gateway reports without crashing the cycle.
type Parser struct {
	prefixes map[string]model.CommandVerb
}

// DefaultPrefixes returns the canonical command table understood by the
// secretary: "SEC: 日记" appends a diary entry, "SEC: 周报" requests a
// weekly report.
func DefaultPrefixes() map[string]model.CommandVerb {
	return map[string]model.CommandVerb{
		"SEC: 日记": model.VerbDiary,
		"SEC: 周报": model.VerbWeeklyReport,
	}
}

// NewParser creates a parser over the given prefix table.
func NewParser(prefixes map[string]model.CommandVerb) *Parser {
	table := make(map[string]model.CommandVerb, len(prefixes))
	for p, v := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			table[p] = v
		}
	}
	return &Parser{prefixes: table}
}

// Parse extracts the verb by matching the longest known prefix against
// the subject (after Re:/Fwd: stripping). A trailing YYYY-MM-DD token
// becomes the date argument; other trailing text is kept in RawArgument
// and otherwise ignored, so unexpected characters never fail a parse.
func (p *Parser) Parse(msg model.Message) (model.Command, error) {
	subject := filter.StripReplyPrefixes(msg.Subject)

	best := ""
	for prefix := range p.prefixes {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return model.Command{Verb: model.VerbUnknown, Message: msg},
			fmt.Errorf("subject %q matches no command prefix", subject)
	}

	cmd := model.Command{
		Verb:    p.prefixes[best],
		Message: msg,
	}

	rest := strings.TrimSpace(subject[len(best):])
	if rest == "" {
		return cmd, nil
	}

	arg := strings.Fields(rest)[0]
	if datePattern.MatchString(arg) {
		if _, err := time.Parse("2006-01-02", arg); err == nil {
			cmd.Date = arg
			return cmd, nil
		}
	}

	cmd.RawArgument = rest
	return cmd, nil
}
