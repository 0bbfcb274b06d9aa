package worker

import (
	"bytes"
	"html/template"
	"os"

	"github.com/sapliy/ops-platform/internal/notification"
)

// emailLayout is the shared HTML shell for all notification emails.
const emailLayout = `
<!DOCTYPE html>
<html>
<head>
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
    <style>
        body { background-color: #f6f9fc; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Arial, sans-serif; font-size: 16px; line-height: 1.5; margin: 0; padding: 0; }
        .container { margin: 0 auto; max-width: 580px; padding: 24px 10px; }
        .main { background: #ffffff; border-radius: 8px; border: 1px solid #e1e9ee; padding: 24px; }
        h1 { font-size: 20px; font-weight: 700; margin: 0 0 16px 0; color: #32325d; }
        p { margin: 0 0 16px 0; color: #525f7f; }
        .btn { background-color: #5e6ad2; border-radius: 4px; color: #ffffff; display: inline-block; font-weight: bold; padding: 12px 25px; text-decoration: none; }
        .footer { color: #8898aa; font-size: 12px; margin-top: 16px; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <div class="main">
            <h1>{{.Title}}</h1>
            <p>{{if .Name}}Hi {{.Name}},{{end}}</p>
            <p>{{.Message}}</p>
            {{if .ActionLink}}<p><a class="btn" href="{{.ActionLink}}">View details</a></p>{{end}}
        </div>
        <div class="footer">You are receiving this because of your notification preferences.</div>
    </div>
</body>
</html>`

var emailTemplate = template.Must(template.New("email").Parse(emailLayout))

type emailData struct {
	Title      string
	Name       string
	Message    string
	ActionLink string
}

// RenderEmail renders the HTML body for a delivery job. Relative action URLs
// are resolved against APP_BASE_URL so email links work outside the app.
func RenderEmail(job *notification.DeliveryJob) (string, error) {
	data := emailData{
		Title:   job.Title,
		Name:    job.Recipient.Name,
		Message: job.Message,
	}
	if job.ActionURL != "" {
		data.ActionLink = appBaseURL() + job.ActionURL
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func appBaseURL() string {
	if base := os.Getenv("APP_BASE_URL"); base != "" {
		return base
	}
	return "https://app.ops-platform.dev"
}
