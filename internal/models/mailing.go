package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// MailingStatus is the lifecycle state of a mailing.
type MailingStatus string

const (
	StatusCreated  MailingStatus = "created"
	StatusRunning  MailingStatus = "running"
	StatusFinished MailingStatus = "finished"
)

// ParseStatus parses a stored or user supplied status, ignoring case.
func ParseStatus(s string) (MailingStatus, error) {
	switch st := MailingStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusCreated, StatusRunning, StatusFinished:
		return st, nil
	default:
		return "", fmt.Errorf("unknown mailing status %q", s)
	}
}

// Regularity is the recurrence of a mailing. The zero value means the
// mailing is sent once.
type Regularity string

const (
	RegularityNone    Regularity = ""
	RegularityDaily   Regularity = "daily"
	RegularityWeekly  Regularity = "weekly"
	RegularityMonthly Regularity = "monthly"
)

// ParseRegularity accepts daily, weekly and monthly; "", "none" and "once"
// mean a one-time mailing.
func ParseRegularity(s string) (Regularity, error) {
	switch r := strings.ToLower(strings.TrimSpace(s)); r {
	case "", "none", "once":
		return RegularityNone, nil
	case string(RegularityDaily), string(RegularityWeekly), string(RegularityMonthly):
		return Regularity(r), nil
	default:
		return "", fmt.Errorf("unknown mailing regularity %q", s)
	}
}

// Interval is the fixed step between two sends. Months are 30 days.
func (r Regularity) Interval() time.Duration {
	switch r {
	case RegularityDaily:
		return 24 * time.Hour
	case RegularityWeekly:
		return 7 * 24 * time.Hour
	case RegularityMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

func (r Regularity) String() string {
	if r == RegularityNone {
		return "none"
	}
	return string(r)
}

// Mailing is a message an owner sends to all of their clients, once or on a
// recurring schedule.
type Mailing struct {
	ID         int64         `json:"id"`
	Title      string        `json:"title"`
	Body       string        `json:"body"`
	Slug       string        `json:"slug"`
	NextSendAt time.Time     `json:"next_send_at"`
	Regularity Regularity    `json:"regularity"`
	Status     MailingStatus `json:"status"`
	OwnerID    int64         `json:"owner_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the dispatch loop still considers the mailing.
func (m Mailing) Active() bool {
	return m.Status == StatusCreated || m.Status == StatusRunning
}

// Due reports whether an active mailing should be sent at now.
func (m Mailing) Due(now time.Time) bool {
	return m.Active() && !now.Before(m.NextSendAt)
}

// Advance returns the mailing as it must be stored after a successful send.
// Recurring mailings move to running and their next send moves forward by
// exactly one interval; one-time mailings are finished.
func (m Mailing) Advance() Mailing {
	if m.Regularity == RegularityNone {
		m.Status = StatusFinished
		return m
	}
	m.Status = StatusRunning
	m.NextSendAt = m.NextSendAt.Add(m.Regularity.Interval())
	return m
}

// Transition is the state change of a successful send. Stores apply To only
// while the stored mailing still has the status and next send time of From.
type Transition struct {
	From Mailing
	To   Mailing
}

// NewTransition returns the transition of m after a successful send.
func NewTransition(m Mailing) *Transition {
	return &Transition{From: m, To: m.Advance()}
}

// Client is a recipient owned by one user.
type Client struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Comment  string `json:"comment,omitempty"`
	OwnerID  int64  `json:"owner_id"`
}

const ResponseOK = "OK"

// MailingLog is one dispatch attempt. Logs are only ever appended.
type MailingLog struct {
	ID          int64     `json:"id"`
	MailingID   int64     `json:"mailing_id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Success     bool      `json:"success"`
	Response    string    `json:"response"`
}

// Stats are the dashboard totals.
type Stats struct {
	TotalMailings  int `json:"total_mailings"`
	ActiveMailings int `json:"active_mailings"`
	UniqueClients  int `json:"unique_clients"`
}

// Slugify builds the public slug of a mailing from its title and id.
// Non-ASCII letters are dropped; runs of other characters collapse to '-'.
func Slugify(title string, id int64) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return strconv.FormatInt(id, 10)
	}
	return slug + "-" + strconv.FormatInt(id, 10)
}
