package model

import "time"

// CommandVerb identifies the action requested by a mail subject command.
type CommandVerb string

const (
	VerbDiary        CommandVerb = "diary"
	VerbWeeklyReport CommandVerb = "weekly_report"
	VerbUnknown      CommandVerb = "unknown"
)

// Message is a single mail message fetched from the mailbox. It is
// immutable for the duration of one processing cycle.
type Message struct {
	// UID is the IMAP unique identifier within the selected mailbox.
	UID uint32

	// From is the sender's bare address (no display name), lowercased.
	From string

	// Subject is the decoded subject line.
	Subject string

	// Body is the plain-text body, decoded to UTF-8.
	Body string

	// MessageID is the RFC 5322 Message-ID, used for reply threading.
	MessageID string

	// Date is the envelope date of the message.
	Date time.Time
}

// Command is the parsed form of an accepted message's subject line.
// It exists only within one dispatch call.
type Command struct {
	Verb CommandVerb

	// Date is an optional YYYY-MM-DD argument; empty means "use the
	// processing date".
	Date string

	// RawArgument holds trailing subject text that did not parse as a
	// date. It is ignored by the dispatcher but logged for diagnosis.
	RawArgument string

	Message Message
}

// Reply describes an outgoing response to a processed message.
type Reply struct {
	To      string
	Subject string
	Body    string
}

// ProcessingResult is the outcome of dispatching one command. The
// gateway uses it to decide whether to send a reply and whether to
// mark the source message as seen.
type ProcessingResult struct {
	OK      bool
	Outcome string
	Reply   *Reply
}

// CycleSummary holds the counters for one full processing cycle.
type CycleSummary struct {
	Fetched     int
	Whitelisted int
	Dispatched  int
	Succeeded   int
	Failed      int
}
