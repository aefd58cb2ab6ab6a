package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ivle/jailconsole/internal/audit"
)

type HistoryCommand struct {
	Limit int    `default:"20" help:"Number of events to show"`
	User  string `help:"Only show events for this login"`
	JSON  bool   `help:"Print events as JSON"`
}

func (h *HistoryCommand) Run(ctx *runtimeContext) error {
	if ctx.Config.Audit.Disabled {
		_, err := fmt.Fprintln(ctx.Stdout, "audit log disabled in runtime config")
		return err
	}
	path, err := resolveAuditPath(ctx.Config)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			_, werr := fmt.Fprintf(ctx.Stdout, "no console events recorded (%s does not exist)\n", path)
			return werr
		}
		return err
	}

	store, err := audit.Open(context.Background(), path)
	if err != nil {
		return err
	}
	events, err := store.Recent(context.Background(), h.Limit, h.User)
	if err != nil {
		return err
	}

	if h.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	if len(events) == 0 {
		_, err := fmt.Fprintf(ctx.Stdout, "no console events recorded in %s\n", path)
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, renderHistory(events))
	return err
}

func renderHistory(events []audit.Event) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "KIND", "USER", "CONSOLE", "ENDPOINT", "CWD", "REASON")
	for _, ev := range events {
		endpoint := ""
		if ev.Port > 0 {
			endpoint = ev.Host + ":" + strconv.Itoa(ev.Port)
		}
		t.Row(
			ev.At.Local().Format(time.DateTime),
			string(ev.Kind),
			ev.Login,
			ev.ConsoleID,
			endpoint,
			ev.CWD,
			ev.Reason,
		)
	}
	return t.String()
}
