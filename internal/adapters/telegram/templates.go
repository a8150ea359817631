package telegram

import (
	"bytes"
	"fmt"
	"text/template"
)

// Message templates are compiled in; they are short enough that a
// template directory would be overhead.
const (
	tradeAlertTmpl = `{{.Emoji}} *{{.BotName}}* {{.Action}} {{.Symbol}}
Qty: {{printf "%.6f" .Qty}} @ {{printf "%.4f" .Price}}
{{- if .HasPnL}}
PnL: {{.PnLSign}}{{printf "%.2f" .PnL}} USDT
{{- end}}
{{.Time}}`

	signalLaunchedTmpl = `📡 *Signal accepted* {{.Symbol}} {{.Side}}
Entry: {{printf "%.4f" .Entry}} | SL: {{printf "%.4f" .StopLoss}}
Investment: {{printf "%.2f" .Investment}} USDT ({{.Mode}})`

	signalClosedTmpl = `{{.Emoji}} *Signal closed* {{.Symbol}}
Reason: {{.Reason}}
{{- if .HasPnL}}
PnL: {{.PnLSign}}{{printf "%.2f" .PnLPct}}%
{{- end}}`
)

// templateSet holds the parsed notification templates.
type templateSet struct {
	templates *template.Template
}

func newTemplateSet() (*templateSet, error) {
	root := template.New("telegram")
	for name, text := range map[string]string{
		"trade_alert":     tradeAlertTmpl,
		"signal_launched": signalLaunchedTmpl,
		"signal_closed":   signalClosedTmpl,
	} {
		if _, err := root.New(name).Parse(text); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
	}
	return &templateSet{templates: root}, nil
}

// render executes one template with data.
func (ts *templateSet) render(name string, data interface{}) (string, error) {
	tmpl := ts.templates.Lookup(name)
	if tmpl == nil {
		return "", fmt.Errorf("template %s not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}
