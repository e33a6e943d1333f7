package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"petfeeder/internal/config"
	"petfeeder/internal/dispatch"
	"petfeeder/internal/feeding"
	"petfeeder/internal/storage"
)

func newTable(w io.Writer, headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row(headers))
	return t
}

func renderTick(w io.Writer, rep dispatch.TickReport) {
	t := newTable(w, "Schedule", "Time", "Portion", "State", "Latency", "Error")
	for _, r := range rep.Results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		latency := ""
		if r.Latency > 0 {
			latency = r.Latency.Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{r.ScheduleID, r.TimeOfDay.String(), r.Portion, r.State.String(), latency, errText})
	}
	t.AppendFooter(table.Row{"owner " + rep.Owner, rep.Now.Format(time.RFC3339), "", "due " + strconv.Itoa(rep.Due()), rep.Duration.Round(time.Millisecond).String(), ""})
	t.Render()
}

func renderEvent(w io.Writer, ev feeding.DispatchEvent) {
	t := newTable(w, "Event", "Owner", "Portion", "Outcome", "At", "Latency", "Error")
	t.AppendRow(table.Row{
		ev.ID, ev.OwnerID, ev.Portion, string(ev.Outcome),
		ev.OccurredAt.Format(time.RFC3339), ev.Latency.Round(time.Millisecond).String(), ev.Error,
	})
	t.Render()
}

func renderSettings(w io.Writer, cfg *config.Config, es config.EngineSettings) {
	driver, _ := storage.CanonicalDriver(cfg.Storage.Driver)
	t := newTable(w, "Setting", "Value")
	t.AppendRows([]table.Row{
		{"match_window", es.MatchWindow.String()},
		{"tick_interval", es.TickInterval.String()},
		{"tick_timeout", es.TickTimeout.String()},
		{"append_timeout", es.AppendTimeout.String()},
		{"align_ticks", es.Align},
		{"timezone", es.Location.String()},
		{"portion", fmt.Sprintf("[%g, %g]", es.Portion.Min, es.Portion.Max)},
		{"storage", driver},
		{"actuator.devices", len(cfg.Actuator.Devices)},
		{"ops.enabled", cfg.Ops.Enabled},
	})
	t.Render()
}
