package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

type templateName string

const (
	tmplOrderConfirmed templateName = "order_confirmed.html"
	tmplLabelCreated   templateName = "label_created.html"
	tmplDeadLettered   templateName = "dead_lettered.html"
	tmplAlertFired     templateName = "alert_fired.html"
)

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

func render(name templateName, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(name), data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
