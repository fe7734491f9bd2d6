// Package notify announces finished runs on the desktop and in Slack
package notify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/report"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title      string
	Message    string
	Type       NotificationType
	RunID      string // Optional run reference
	ReportPath string // Optional report location
	// Fields are detail lines for notifiers that can lay them out
	Fields []Field
}

// Field is one labelled detail line. Long fields take a full row.
type Field struct {
	Name  string
	Value string
	Long  bool
}

// maxListedFailures bounds the failed tests named in a notification
const maxListedFailures = 5

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// TypeForOutcome maps a run outcome to a notification type
func TypeForOutcome(o domain.RunOutcome) NotificationType {
	switch o {
	case domain.OutcomeSuccess:
		return NotifySuccess
	case domain.OutcomeFailures:
		return NotifyWarning
	case domain.OutcomeInfraFailure:
		return NotifyError
	default:
		return NotifyInfo
	}
}

// FromReport summarizes a finished run
func FromReport(r report.Report, reportPath string) Notification {
	title := fmt.Sprintf("Run %s: %s", r.Name, r.Outcome)
	if r.Name == "" {
		title = fmt.Sprintf("Run %s", r.Outcome)
	}

	c := r.Totals()
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d passed", c.Passed, c.Total)
	if c.Flaky > 0 {
		fmt.Fprintf(&b, ", %d flaky", c.Flaky)
	}
	if c.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", c.Failed)
	}
	if c.Unfinished > 0 {
		fmt.Fprintf(&b, ", %d unfinished", c.Unfinished)
	}
	fmt.Fprintf(&b, " in %s", humanize.RelTime(r.StartedAt, r.EndedAt, "", ""))

	n := Notification{
		Title:      title,
		Message:    strings.TrimSpace(b.String()),
		Type:       TypeForOutcome(r.Outcome),
		RunID:      r.RunID,
		ReportPath: reportPath,
	}

	var failed []string
	for _, p := range r.Pools {
		value := fmt.Sprintf("%s, %d/%d passed on %d devices", p.Outcome, p.Counts.Passed+p.Counts.Flaky, p.Counts.Total, len(p.Devices))
		n.Fields = append(n.Fields, Field{Name: "Pool " + p.Pool, Value: value})
		for _, t := range p.Tests {
			if t.Verdict == domain.VerdictFailFinal {
				failed = append(failed, t.ID)
			}
		}
	}
	if len(failed) > 0 {
		value := strings.Join(failed[:min(len(failed), maxListedFailures)], "\n")
		if extra := len(failed) - maxListedFailures; extra > 0 {
			value += fmt.Sprintf("\nand %d more", extra)
		}
		n.Fields = append(n.Fields, Field{Name: "Failed tests", Value: value, Long: true})
	}
	return n
}
