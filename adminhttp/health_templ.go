// Code generated by templ DSL by hand in health.templ; kept here since no
// templ generate step runs in this environment. Do not edit independently
// of health.templ.
package adminhttp

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

func formatInt(n int) string {
	return fmt.Sprintf("%d", n)
}

func healthPage(v HealthView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8"/>
	<title>relay admin</title>
</head>
<body>
	<h1>relay</h1>
	<ul>
		<li>status: %s</li>
		<li>active sessions: %s</li>
		<li>memory records: %s</li>
		<li>uptime: %s</li>
	</ul>
</body>
</html>`, templ.EscapeString(v.Status), formatInt(v.ActiveSessions), formatInt(v.MemoryRecords), templ.EscapeString(v.Uptime))
		return err
	})
}
