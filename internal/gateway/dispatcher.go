package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/secretary/internal/diary"
	"github.com/nhle/secretary/internal/model"
)

// Dispatcher maps a parsed command to its action and produces the
// result the gateway uses to reply and to decide whether the source
// message may be marked seen.
type Dispatcher struct {
	diary diary.Store
	now   func() time.Time
}

// NewDispatcher creates a dispatcher over the given diary store.
func NewDispatcher(store diary.Store) *Dispatcher {
	return &Dispatcher{diary: store, now: time.Now}
}

// Dispatch executes one command. A failed result means the source
// message must stay unseen so the next cycle retries it.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd model.Command) model.ProcessingResult {
	switch cmd.Verb {
	case model.VerbDiary:
		return d.addDiary(ctx, cmd)
	case model.VerbWeeklyReport:
		return d.weeklyReport(ctx, cmd)
	default:
		return model.ProcessingResult{
			OK:      false,
			Outcome: fmt.Sprintf("unsupported command verb %q", cmd.Verb),
		}
	}
}

// addDiary appends the message body as a diary entry. The command's
// date argument back-dates the entry; without one the processing date
// is used.
func (d *Dispatcher) addDiary(ctx context.Context, cmd model.Command) model.ProcessingResult {
	date := cmd.Date
	if date == "" {
		date = d.now().Format("2006-01-02")
	}

	if err := d.diary.AddEntry(ctx, date, cmd.Message.Body); err != nil {
		return model.ProcessingResult{
			OK:      false,
			Outcome: fmt.Sprintf("diary write failed: %v", err),
		}
	}

	return model.ProcessingResult{
		OK:      true,
		Outcome: fmt.Sprintf("diary entry recorded for %s", date),
		Reply: &model.Reply{
			To:      cmd.Message.From,
			Subject: "成功 日记已记录 " + date,
			Body:    fmt.Sprintf("已追加 %s 的日记。", date),
		},
	}
}

// weeklyReport covers the 7 days ending on the processing date,
// inclusive, and mails the aggregated text back to the sender.
func (d *Dispatcher) weeklyReport(ctx context.Context, cmd model.Command) model.ProcessingResult {
	end := d.now()
	start := end.AddDate(0, 0, -6)
	startStr := start.Format("2006-01-02")
	endStr := end.Format("2006-01-02")

	text, err := d.diary.GenerateReport(ctx, startStr, endStr)
	if err != nil {
		return model.ProcessingResult{
			OK:      false,
			Outcome: fmt.Sprintf("report generation failed: %v", err),
		}
	}

	return model.ProcessingResult{
		OK:      true,
		Outcome: fmt.Sprintf("weekly report generated for %s..%s", startStr, endStr),
		Reply: &model.Reply{
			To:      cmd.Message.From,
			Subject: fmt.Sprintf("成功 周报已生成 %s~%s", startStr, endStr),
			Body:    text,
		},
	}
}
