package notification

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Content is the rendered text for one trigger, shared by all recipients.
type Content struct {
	Title        string `json:"title"`
	Message      string `json:"message"`
	ShortMessage string `json:"short_message,omitempty"`
	ActionURL    string `json:"action_url,omitempty"`
}

// ContentOverrides let the event producer replace generated text. Explicit
// beats implicit: a non-empty override always wins.
type ContentOverrides struct {
	Title     string
	Message   string
	ActionURL string
}

type contentTemplate struct {
	title   string
	message string
	short   string
}

// contentTemplates maps event type to its text templates. Template data is the
// raw event payload; missing keys render as empty strings so malformed payloads
// degrade instead of erroring.
var contentTemplates = map[string]contentTemplate{
	"bid.won": {
		title:   "Bid won: {{.entityName}}",
		message: "The bid {{.entityName}} has been won{{if .amount}} for {{.amount}}{{end}}.",
		short:   "Bid {{.entityName}} won",
	},
	"bid.lost": {
		title:   "Bid lost: {{.entityName}}",
		message: "The bid {{.entityName}} was not successful.",
		short:   "Bid {{.entityName}} lost",
	},
	"bid.submitted": {
		title:   "Bid submitted: {{.entityName}}",
		message: "A bid for {{.entityName}} has been submitted and is awaiting review.",
		short:   "Bid {{.entityName}} submitted",
	},
	"timesheet.submitted": {
		title:   "Timesheet submitted",
		message: "{{.employeeName}} submitted a timesheet{{if .period}} for {{.period}}{{end}}.",
		short:   "Timesheet from {{.employeeName}}",
	},
	"timesheet.approved": {
		title:   "Timesheet approved",
		message: "Your timesheet{{if .period}} for {{.period}}{{end}} has been approved.",
		short:   "Timesheet approved",
	},
	"job.assigned": {
		title:   "New job assignment: {{.entityName}}",
		message: "You have been assigned to {{.entityName}}{{if .startDate}} starting {{.startDate}}{{end}}.",
		short:   "Assigned to {{.entityName}}",
	},
	"invoice.overdue": {
		title:   "Invoice overdue: {{.entityName}}",
		message: "Invoice {{.entityName}}{{if .amount}} for {{.amount}}{{end}} is overdue.",
		short:   "Invoice {{.entityName}} overdue",
	},
	"vehicle.service_due": {
		title:   "Vehicle service due: {{.entityName}}",
		message: "Vehicle {{.entityName}} is due for service{{if .dueDate}} by {{.dueDate}}{{end}}.",
		short:   "Service due: {{.entityName}}",
	},
}

// GenerateContent produces the title/message/short-message/action-URL for a
// notification. It is deterministic: same inputs, same output. Overrides from
// the event producer always win over generated text.
func GenerateContent(eventType string, payload map[string]interface{}, overrides ContentOverrides) Content {
	tmpl, ok := contentTemplates[eventType]
	if !ok {
		tmpl = genericTemplate(eventType, payload)
	}

	content := Content{
		Title:        renderTemplate(tmpl.title, payload),
		Message:      renderTemplate(tmpl.message, payload),
		ShortMessage: renderTemplate(tmpl.short, payload),
	}

	if overrides.Title != "" {
		content.Title = overrides.Title
	}
	if overrides.Message != "" {
		content.Message = overrides.Message
	}

	content.ActionURL = overrides.ActionURL
	if content.ActionURL == "" {
		content.ActionURL = defaultActionURL(payload)
	}

	return content
}

func genericTemplate(eventType string, payload map[string]interface{}) contentTemplate {
	title := fmt.Sprintf("Notification: %s", eventType)
	if name, _ := payload["entityName"].(string); name != "" {
		title = fmt.Sprintf("%s: {{.entityName}}", eventType)
	}
	return contentTemplate{
		title:   title,
		message: fmt.Sprintf("An event of type %s occurred{{if .entityName}} for {{.entityName}}{{end}}.", eventType),
		short:   title,
	}
}

// defaultActionURL builds a deterministic UI path from the related entity.
func defaultActionURL(payload map[string]interface{}) string {
	entityType, _ := payload["entityType"].(string)
	entityID, _ := payload["entityId"].(string)
	if entityType == "" || entityID == "" {
		return ""
	}
	return fmt.Sprintf("/%ss/%s", entityType, entityID)
}

func renderTemplate(text string, data map[string]interface{}) string {
	if text == "" {
		return ""
	}
	tmpl, err := template.New("content").Option("missingkey=zero").Parse(text)
	if err != nil {
		return text
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return text
	}
	return scrubMissing(buf.String())
}

// scrubMissing cleans up text rendered from a payload that lacked a referenced
// key. text/template prints a map miss on interface values as "<no value>";
// strip it and tidy the spacing left behind.
func scrubMissing(out string) string {
	const noValue = "<no value>"
	if !strings.Contains(out, noValue) {
		return out
	}
	out = strings.Join(strings.Fields(strings.ReplaceAll(out, noValue, "")), " ")
	return strings.TrimRight(out, ":")
}
