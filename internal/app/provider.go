package app

import (
	"time"

	"github.com/HypeDuke/osint3/internal/eventbus"
	"github.com/HypeDuke/osint3/internal/monitor"
	"github.com/HypeDuke/osint3/internal/notifier"
	rtsup "github.com/HypeDuke/osint3/internal/runtime/supervisor"
)

// Health implements status.Provider. Degraded counts as healthy because
// the monitor is already reconnecting on its own.
func (a *App) Health() (bool, string) {
	conn := a.mon.Conn()
	if err := conn.Fatal(); err != nil {
		return false, "fatal: " + err.Error()
	}
	switch st := conn.State(); st {
	case monitor.StateConnected, monitor.StateDegraded:
		return true, st.String()
	default:
		return false, st.String()
	}
}

type channelStatus struct {
	Handle   string `json:"handle"`
	Name     string `json:"name,omitempty"`
	Filter   string `json:"filter,omitempty"`
	Template string `json:"template,omitempty"`
}

// The monitor owns the state maps, so only the keeper's counters are read.
type stateStatus struct {
	Saves     uint64    `json:"saves"`
	SaveFails uint64    `json:"save_failures"`
	LastSave  time.Time `json:"last_save,omitzero"`
}

type notifierStatus struct {
	Enabled    bool                    `json:"enabled"`
	Transports []string                `json:"transports"`
	Circuits   []notifier.CircuitState `json:"circuits"`
	Recent     []notifier.HistoryItem  `json:"recent"`
}

type logChatStatus struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

type statusBody struct {
	RunID     string                    `json:"run_id"`
	Version   string                    `json:"version"`
	StartedAt time.Time                 `json:"started_at"`
	Uptime    string                    `json:"uptime"`
	Monitor   monitor.StatsSnapshot     `json:"monitor"`
	Self      string                    `json:"self,omitempty"`
	Channels  []channelStatus           `json:"channels"`
	State     stateStatus               `json:"state"`
	Notifier  notifierStatus            `json:"notifier"`
	Report    *time.Time                `json:"next_report,omitempty"`
	Archived  uint64                    `json:"archived_posts"`
	Dropped   uint64                    `json:"bus_dropped"`
	LogChat   logChatStatus             `json:"log_chat"`
	Tasks     map[string]rtsup.Snapshot `json:"tasks"`
}

// Status implements status.Provider.
func (a *App) Status() any {
	body := statusBody{
		RunID:     a.runID.String(),
		Version:   Version,
		StartedAt: a.startedAt,
		Uptime:    time.Since(a.startedAt).Round(time.Second).String(),
		Monitor:   a.mon.Stats().Snapshot(),
		Dropped:   eventbus.Dropped(a.bus),
		Tasks:     map[string]rtsup.Snapshot{},
	}
	if me := a.mon.Conn().Me(); me.Username != "" {
		body.Self = "@" + me.Username
	}
	for _, ch := range a.channels {
		body.Channels = append(body.Channels, channelStatus{
			Handle:   ch.Handle,
			Name:     ch.Name,
			Filter:   ch.Filter.String(),
			Template: string(ch.Template),
		})
	}

	body.LogChat.Forwarded, body.LogChat.Dropped = a.logs.ChatStats()
	body.State.Saves, body.State.SaveFails, body.State.LastSave = a.keeper.SaveStats()

	body.Notifier.Enabled = a.notif.Enabled()
	for _, t := range a.notif.Transports() {
		body.Notifier.Transports = append(body.Notifier.Transports, t.Name())
	}
	body.Notifier.Circuits = a.notif.Circuits()
	body.Notifier.Recent = a.notif.Snapshot()

	if next := a.report.Next(); !next.IsZero() {
		body.Report = &next
	}
	if ac, ok := a.client.(interface{ Archived() uint64 }); ok {
		body.Archived = ac.Archived()
	}

	if a.sup != nil {
		body.Tasks["app"] = a.sup.Snapshot()
	}
	if sup := a.notif.Supervisor(); sup != nil {
		body.Tasks["notifier"] = sup.Snapshot()
	}
	if sup := a.status.Supervisor(); sup != nil {
		body.Tasks["status"] = sup.Snapshot()
	}
	return body
}
