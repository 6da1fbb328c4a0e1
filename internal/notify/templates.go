package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"clinicjobs/internal/appointment"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	htmlTmpl = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/email.html.tmpl"))
	textTmpl = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/email.txt.tmpl"))
)

// content is the per-event wording of both the in-app record and the email.
type content struct {
	title   string
	subject string
	message func(a appointment.Appointment) string

	color, background string
	accent            bool // left border in the event colour
	intro             string
	dateLabel         string
	timeLabel         string
	showNotes         bool
	checklist         []string
	closing           []string
}

var contents = map[Event]content{
	Created: {
		title:   "Appointment Confirmed",
		subject: "Appointment Confirmation - MedanoClinic",
		message: func(a appointment.Appointment) string {
			return fmt.Sprintf("Your appointment with %s on %s at %s has been confirmed.", a.DoctorName, a.Date, a.Time)
		},
		color:      "#2c5aa0",
		background: "#f8f9fa",
		intro:      "Your appointment has been successfully scheduled. Here are the details:",
		showNotes:  true,
		closing: []string{
			"Please arrive 15 minutes before your appointment time.",
			"Thank you for choosing MedanoClinic!",
		},
	},
	Modified: {
		title:   "Appointment Updated",
		subject: "Appointment Updated - MedanoClinic",
		message: func(a appointment.Appointment) string {
			return fmt.Sprintf("Your appointment with %s has been updated. New date: %s at %s.", a.DoctorName, a.Date, a.Time)
		},
		color:      "#f39c12",
		background: "#fff3cd",
		accent:     true,
		intro:      "Your appointment has been updated. Here are the current details:",
		showNotes:  true,
		closing: []string{
			"Please make note of these changes and arrive 15 minutes before your appointment time.",
			"Thank you for choosing MedanoClinic!",
		},
	},
	Reminder: {
		title:   "Appointment Reminder",
		subject: "Appointment Reminder - MedanoClinic",
		message: func(a appointment.Appointment) string {
			return fmt.Sprintf("Reminder: You have an appointment with %s in 1 hour at %s.", a.DoctorName, a.Time)
		},
		color:      "#17a2b8",
		background: "#d1ecf1",
		accent:     true,
		intro:      "This is a friendly reminder that you have an appointment in 1 hour:",
		checklist: []string{
			"Arrive 15 minutes early",
			"Bring your ID and insurance card",
			"Bring any relevant medical documents",
		},
		closing: []string{"Thank you for choosing MedanoClinic!"},
	},
	Cancelled: {
		title:   "Appointment Cancelled",
		subject: "Appointment Cancelled - MedanoClinic",
		message: func(a appointment.Appointment) string {
			return fmt.Sprintf("Your appointment with %s on %s at %s has been cancelled.", a.DoctorName, a.Date, a.Time)
		},
		color:      "#dc3545",
		background: "#f8d7da",
		accent:     true,
		intro:      "We regret to inform you that your appointment has been cancelled:",
		dateLabel:  "Original Date",
		timeLabel:  "Original Time",
		closing: []string{
			"Please contact us to reschedule your appointment at your convenience.",
			"We apologize for any inconvenience caused.",
			"Thank you for your understanding.",
		},
	},
	Completed: {
		title:   "Appointment Completed",
		subject: "Appointment Completed - MedanoClinic",
		message: func(a appointment.Appointment) string {
			return fmt.Sprintf("Your appointment with %s on %s at %s has been marked as completed.", a.DoctorName, a.Date, a.Time)
		},
		color:      "#28a745",
		background: "#d4edda",
		accent:     true,
		intro:      "Your appointment has been marked as completed:",
		closing: []string{
			"If you need a follow-up visit, you can book it at any time.",
			"Thank you for choosing MedanoClinic!",
		},
	},
}

type emailData struct {
	Heading      string
	Banner       string
	Underline    string
	HeadingStyle htmltemplate.CSS
	BoxStyle     htmltemplate.CSS

	ClientName     string
	DoctorName     string
	Specialization string
	Date           string
	Time           string
	Reason         string
	Notes          string
	DateLabel      string
	TimeLabel      string

	Intro     string
	Checklist []string
	Closing   []string
}

type rendered struct {
	subject string
	html    string
	text    string
}

func render(ev Event, a appointment.Appointment) (rendered, error) {
	c, ok := contents[ev]
	if !ok {
		return rendered{}, fmt.Errorf("no template for event %s", ev)
	}
	data := emailData{
		Heading:        c.title,
		Banner:         strings.ToUpper(c.title),
		Underline:      strings.Repeat("=", len(c.title)),
		HeadingStyle:   htmltemplate.CSS("color: " + c.color + ";"),
		BoxStyle:       htmltemplate.CSS(boxStyle(c)),
		ClientName:     displayName(a.ClientName),
		DoctorName:     a.DoctorName,
		Specialization: a.DoctorSpecialization,
		Date:           a.Date,
		Time:           a.Time,
		Reason:         a.Reason,
		DateLabel:      orDefault(c.dateLabel, "Date"),
		TimeLabel:      orDefault(c.timeLabel, "Time"),
		Intro:          c.intro,
		Checklist:      c.checklist,
		Closing:        c.closing,
	}
	if c.showNotes {
		data.Notes = strings.TrimSpace(a.Notes)
	}

	var hb, tb bytes.Buffer
	if err := htmlTmpl.Execute(&hb, data); err != nil {
		return rendered{}, fmt.Errorf("render html %s: %w", ev, err)
	}
	if err := textTmpl.Execute(&tb, data); err != nil {
		return rendered{}, fmt.Errorf("render text %s: %w", ev, err)
	}
	return rendered{subject: c.subject, html: hb.String(), text: tb.String()}, nil
}

func boxStyle(c content) string {
	s := "background-color: " + c.background + "; padding: 15px; border-radius: 5px; margin: 20px 0;"
	if c.accent {
		s += " border-left: 4px solid " + c.color + ";"
	}
	return s
}

func displayName(name string) string {
	return orDefault(strings.TrimSpace(name), "Patient")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
