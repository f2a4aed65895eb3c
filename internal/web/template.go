package web

import (
	"html/template"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sweeney/hydro-node/internal/dispatch"
	"github.com/sweeney/hydro-node/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(start, now time.Time) string {
		return humanize.RelTime(start, now, "", "")
	},
	"ago": func(t, now time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return humanize.RelTime(t, now, "ago", "from now")
	},
	"ml": func(v float64) string {
		return humanize.FormatFloat("#,###.#", v)
	},
	"ms": func(d time.Duration) int64 {
		return d.Milliseconds()
	},
	"stateClass": func(s string) string {
		switch s {
		case "ON":
			return "on"
		case "COOLDOWN":
			return "cooldown"
		case "ERROR":
			return "error"
		}
		return "off"
	},
	"orUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Hydro Node {{.Config.NodeID}}</title>
<style>
body { font-family: monospace; max-width: 760px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.cooldown { color: orange; }
.error { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
.safe { color: red; font-weight: bold; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Hydro Node {{.Config.NodeID}}{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>
{{if .Health.SafeMode}}<p class="safe">SAFE MODE: all outputs held off. Send reset to resume.</p>{{end}}

<h2>Channels</h2>
<table>
<tr><th>Name</th><th>Kind</th><th>State</th><th>Runs</th><th>Dispensed</th><th>Last stop</th><th>Outcome</th></tr>
{{range .Health.Channels}}<tr>
<td><a href="/channels/{{.Name}}">{{.Name}}</a></td>
<td>{{.Kind}}</td>
<td id="state-{{.Name}}" class="{{stateClass (printf "%s" .State)}}">{{.State}}{{if .CooldownMs}} ({{.CooldownMs}}ms){{end}}</td>
<td>{{.Runs}}{{if .Failures}} / {{.Failures}} failed{{end}}</td>
<td>{{ml .DispensedML}} ml</td>
<td>{{ago .LastStop $.Now}}</td>
<td id="outcome-{{.Name}}">{{.LastOutcome}}</td>
</tr>{{end}}
</table>

<h2>Queue</h2>
<table>
<tr><th>Depth</th><td>{{.QueueDepth}}</td></tr>
{{range .Pending}}<tr><th>{{.Channel}}</th><td>{{.CmdID}} for {{ms .Duration}}ms, waiting {{ago .Arrived $.Now}}</td></tr>
{{end}}</table>

<h2>Sensors</h2>
<table>
<tr><th>Current sensor</th><td>{{orUnknown (printf "%s" .Health.CurrentSensor)}}</td></tr>
{{if .Safety}}<tr><th>Safety input</th><td>{{.Safety}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Node type</th><td>{{.Config.NodeType}}</td></tr>
<tr><th>Config version</th><td>{{.ConfigVersion}}{{if not .ConfigApplied.IsZero}}, applied {{ago .ConfigApplied .Now}}{{end}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .StartTime .Now}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
{{if .Config.WSBroker}}
<script src="/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var topic = "hydro/{{.Config.NodeID}}/+/command_response";
  var dot = document.getElementById("live-dot");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe(topic);
  });

  client.on("reconnect", function() {
    setDot("pending", "reconnecting");
  });

  client.on("offline", function() {
    setDot("err", "offline");
  });

  client.on("error", function() {
    setDot("err", "error");
  });

  client.on("message", function(t, payload) {
    try {
      var channel = t.split("/")[2];
      var msg = JSON.parse(payload.toString());
      var el = document.getElementById("outcome-" + channel);
      if (el && msg.status) {
        el.textContent = msg.status + (msg.error_code ? " " + msg.error_code : "");
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, pending []dispatch.Queued) {
	data := struct {
		status.Snapshot
		Pending []dispatch.Queued
	}{
		Snapshot: snap,
		Pending:  pending,
	}
	indexTmpl.Execute(w, data)
}
