// ABOUTME: Peer link records kept in the router's table
// ABOUTME: Exposes read-only snapshots for status views
package room

import (
	"context"
	"sort"
	"time"

	tsync "github.com/Resonate-Protocol/tandem/internal/sync"
	"github.com/Resonate-Protocol/tandem/internal/transport"
)

// LinkStatus is the connection status of a peer link
type LinkStatus string

const (
	StatusConnecting   LinkStatus = "connecting"
	StatusConnected    LinkStatus = "connected"
	StatusDisconnected LinkStatus = "disconnected"
	StatusError        LinkStatus = "error"
)

// PeerLink is one remote participant. Only the router reads or writes it.
type PeerLink struct {
	ID              string
	ParticipantID   string
	Name            string
	Role            string
	Status          LinkStatus
	IsMaster        bool
	RequestedMaster bool
	LastActivity    time.Time
	Estimate        tsync.Estimate

	channel transport.Channel
	ctx     context.Context
	cancel  context.CancelFunc
}

func (l *PeerLink) displayName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.ID
}

func (l *PeerLink) info() LinkInfo {
	return LinkInfo{
		ID:              l.ID,
		ParticipantID:   l.ParticipantID,
		Name:            l.displayName(),
		Role:            l.Role,
		Status:          l.Status,
		IsMaster:        l.IsMaster,
		RequestedMaster: l.RequestedMaster,
		LastActivity:    l.LastActivity,
		RoundTrip:       time.Duration(l.Estimate.RoundTrip) * time.Microsecond,
		Offset:          time.Duration(l.Estimate.Offset) * time.Microsecond,
	}
}

// LinkInfo is a copy of a peer link for display
type LinkInfo struct {
	ID              string
	ParticipantID   string
	Name            string
	Role            string
	Status          LinkStatus
	IsMaster        bool
	RequestedMaster bool
	LastActivity    time.Time
	RoundTrip       time.Duration
	Offset          time.Duration
	Quality         tsync.Quality
}

func sortLinks(links []LinkInfo) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].Name != links[j].Name {
			return links[i].Name < links[j].Name
		}
		return links[i].ID < links[j].ID
	})
}
