// internal/service/email/templates.go
package email

import (
	"fmt"
	"html"

	"civicreport-service/internal/domain/issue"
)

// StatusChangeEmail builds the message sent to a reporter when staff or an
// admin moves their issue to a new status.
func StatusChangeEmail(reporterName string, it *issue.Issue, status issue.Status) (string, string) {
	subject := fmt.Sprintf("Update on your report: %s", it.Title)

	name := reporterName
	if name == "" {
		name = "there"
	}

	body := fmt.Sprintf(`
		<h2>Your report has been updated</h2>
		<p>Hello %s,</p>
		<p>The status of your report <strong>%s</strong> (%s) is now <strong>%s</strong>.</p>
		<p>%s</p>
	`,
		html.EscapeString(name),
		html.EscapeString(it.Title),
		html.EscapeString(string(it.Category)),
		html.EscapeString(string(status)),
		statusBlurb(status),
	)

	return subject, body
}

func statusBlurb(status issue.Status) string {
	switch status {
	case issue.StatusInProgress:
		return "A team is working on it."
	case issue.StatusResolved:
		return "The issue has been resolved. Thank you for helping improve your community."
	default:
		return "We will let you know when work starts."
	}
}
