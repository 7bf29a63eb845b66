package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/power-monitor/internal/logic"
	"github.com/sweeney/power-monitor/internal/notifier"
	"github.com/sweeney/power-monitor/internal/status"
)

var pageFuncs = template.FuncMap{
	"ago": func(now, t time.Time) string {
		if t.IsZero() {
			return "unknown"
		}
		return notifier.FormatDuration(now.Sub(t))
	},
	"span":   notifier.FormatDuration,
	"uptime": formatUptime,
	"clock":  func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"power": func(s logic.Status) string {
		switch s {
		case logic.StatusAvailable:
			return "power-on"
		case logic.StatusUnavailable:
			return "power-off"
		}
		return "power-unknown"
	},
	"label": func(s logic.Status) string {
		if s == "" {
			return "UNKNOWN"
		}
		return string(s)
	},
}

var statusPage = template.Must(template.New("status").Funcs(pageFuncs).Parse(statusPageHTML))

const statusPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="{{.Refresh}}">
<title>Power Monitor</title>
<style>
body { font: 14px/1.5 system-ui, sans-serif; max-width: 760px; margin: 1.5em auto; padding: 0 1em; color: #222; }
h1 { font-size: 1.3em; margin-bottom: 0; }
h2 { font-size: 1.05em; margin-top: 1.6em; border-bottom: 2px solid #eee; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 3px 10px 3px 0; }
tr.row td { border-top: 1px solid #f0f0f0; }
.power-on { color: #1a7f37; font-weight: 600; }
.power-off { color: #cf222e; font-weight: 600; }
.power-unknown, .warn { color: #9a6700; }
.muted { color: #777; }
</style>
</head>
<body>
<h1>Power Monitor</h1>
<p class="muted">{{len .Labels}} label(s), refreshed {{clock .Now}}</p>

<h2>Labels</h2>
{{- if .Labels}}
<table>
<tr><th>Label</th><th>Power</th><th>Since</th><th>Heartbeat</th></tr>
{{- range .Labels}}
<tr class="row">
<td>{{.Label}}{{if .Failing}} <span class="warn" title="last evaluation failed">(check failing)</span>{{end}}</td>
<td class="{{power .Status}}">{{label .Status}}</td>
<td>{{if .Since.IsZero}}<span class="muted">unknown</span>{{else}}{{ago $.Now .Since}}{{end}}</td>
<td>{{if .HasHeartbeat}}{{ago $.Now .LastSeen}} ago{{else}}<span class="muted">never</span>{{end}}</td>
</tr>
{{- end}}
</table>
{{- else}}
<p class="muted">Waiting for the first heartbeat.</p>
{{- end}}

<h2>Detector</h2>
<table>
<tr><th>Checks every</th><td>{{span .Config.PollInterval}}, unavailable after {{span .Config.Threshold}} without a heartbeat</td></tr>
<tr><th>Last check</th><td>{{if .LastTick.IsZero}}<span class="muted">pending</span>{{else}}{{clock .LastTick}} took {{.LastTickDuration}}{{if .LastTickErrors}}, <span class="warn">{{.LastTickErrors}} failed</span>{{end}}{{end}}</td></tr>
<tr><th>Checks run</th><td>{{.Counts.Ticks}}</td></tr>
<tr><th>Outages / restores</th><td>{{.Counts.Unavailable}} / {{.Counts.Available}}</td></tr>
</table>

<h2>Service</h2>
<table>
<tr><th>Ledger</th><td>{{.Config.Store}}</td></tr>
<tr><th>MQTT</th><td>{{if .MQTTConnected}}<span class="power-on">connected</span>{{else}}<span class="power-off">disconnected</span>{{end}}{{with .Config.Broker}} <span class="muted">{{.}}</span>{{end}}</td></tr>
<tr><th>Listening</th><td>{{.Config.HTTPAddr}}</td></tr>
<tr><th>Up</th><td>{{uptime .Uptime}} <span class="muted">since {{clock .StartTime}}</span></td></tr>
</table>

<p><a href="/status">status.json</a> &middot; <a href="/events">ledger</a> &middot; <a href="/health">health</a></p>
</body>
</html>
`

// formatUptime renders d as "3d 4h 12m" with seconds only below a minute.
func formatUptime(d time.Duration) string {
	d = max(d, 0).Truncate(time.Second)
	days := int(d / (24 * time.Hour))
	h := int(d/time.Hour) % 24
	m := int(d/time.Minute) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, h, m)
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}

type statusPageData struct {
	status.Snapshot
	Uptime  time.Duration
	Refresh int
}

func renderHTML(w io.Writer, snap status.Snapshot) error {
	refresh := int(snap.Config.PollInterval / time.Second)
	if refresh < 5 {
		refresh = 5
	}
	return statusPage.Execute(w, statusPageData{Snapshot: snap, Uptime: snap.Uptime(), Refresh: refresh})
}
