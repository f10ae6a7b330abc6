package broker

import (
	"time"

	"tickrelay/internal/bus"
)

// Status is the broker part of the health report.
type Status struct {
	StartedAt      time.Time               `json:"started_at"`
	Uptime         time.Duration           `json:"uptime"`
	KnownClients   int                     `json:"known_clients"`
	Connections    int                     `json:"connections"`
	CommandClients int                     `json:"command_clients"`
	Accepted       uint64                  `json:"accepted"`
	Rejected       uint64                  `json:"rejected"`
	Dropped        uint64                  `json:"dropped"`
	Published      uint64                  `json:"published"`
	Subscribers    []bus.SubscriptionStats `json:"subscribers"`
}

// Status reports collector totals. commands may be nil.
func (c *Collector) Status(commands *CommandHub) Status {
	accepted, rejected, dropped := c.Totals()
	st := Status{
		StartedAt:    c.startedAt,
		Uptime:       c.now().Sub(c.startedAt),
		KnownClients: c.clients.Len(),
		Connections:  c.Connections(),
		Accepted:     accepted,
		Rejected:     rejected,
		Dropped:      dropped,
		Published:    c.hub.Published(),
		Subscribers:  c.hub.Stats(),
	}
	if commands != nil {
		st.CommandClients = commands.Clients()
	}
	return st
}
