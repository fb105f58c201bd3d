// Package render turns an event into the chat message text.
package render

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"doodlenotify/internal/model"
)

//go:embed event.tpl.txt
var defaultTemplate string

// Fields is the flat data set available to message templates.
type Fields struct {
	ID           string
	StartUnix    int64
	Title        string
	Time         string
	Duration     string
	Message      string
	Participants []string
	URL          string
}

// FieldsFor computes the template fields of ev as seen at now.
func FieldsFor(ev model.Event, id string, now time.Time) Fields {
	return Fields{
		ID:           id,
		StartUnix:    ev.Start.Unix(),
		Title:        ev.Summary,
		Time:         TimeDescription(ev.Start, now),
		Duration:     DurationDescription(ev.Duration()),
		Message:      ev.Description,
		Participants: ev.Attendees,
		URL:          ev.URL,
	}
}

// Renderer executes the message template.
type Renderer struct {
	tpl *template.Template
}

// New returns a Renderer using the built-in template.
func New() *Renderer {
	return &Renderer{tpl: template.Must(parse("event", defaultTemplate))}
}

// NewFromFile returns a Renderer using the template at path, or the
// built-in one when path is empty.
func NewFromFile(path string) (*Renderer, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	tpl, err := parse(path, string(data))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	return &Renderer{tpl: tpl}, nil
}

func parse(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(text)
}

// Render executes the template with f.
func (r *Renderer) Render(f Fields) (string, error) {
	var b strings.Builder
	if err := r.tpl.Execute(&b, f); err != nil {
		return "", fmt.Errorf("render %s: %w", f.ID, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// TimeDescription phrases when start happens relative to now, in UTC:
// "in 3 hours and 5 minutes" today, "tomorrow", or "on Saturday".
func TimeDescription(start, now time.Time) string {
	s, n := start.UTC(), now.UTC()

	if sameDay(s, n) {
		diff := s.Sub(n)
		if diff < 0 {
			diff = -diff
		}
		return fmt.Sprintf("in %d hours and %d minutes", int(diff.Hours()), int(diff.Minutes())%60)
	}
	if sameDay(s, n.AddDate(0, 0, 1)) {
		return "tomorrow"
	}
	return "on " + s.Weekday().String()
}

// DurationDescription rounds d to the quarter hour:
//
//	minutes  0-9   "H hours"
//	minutes 10-19  "H hours 15 minutes"
//	minutes 20-39  "H hours 30 minutes"
//	minutes 40-49  "H hours 45 minutes"
//	minutes 50-59  "H+1 hours"
func DurationDescription(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	switch {
	case minutes < 10:
		return fmt.Sprintf("%d hours", hours)
	case minutes < 20:
		return fmt.Sprintf("%d hours 15 minutes", hours)
	case minutes < 40:
		return fmt.Sprintf("%d hours 30 minutes", hours)
	case minutes < 50:
		return fmt.Sprintf("%d hours 45 minutes", hours)
	default:
		return fmt.Sprintf("%d hours", hours+1)
	}
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
