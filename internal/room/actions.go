// ABOUTME: Local actions: sharing a payload, playback control and master handoff
// ABOUTME: Control actions need the master flag; start times go on the wire in host time
package room

import (
	"fmt"
	"log"
	"time"

	"github.com/Resonate-Protocol/tandem/internal/playback"
	"github.com/Resonate-Protocol/tandem/internal/protocol"
	tsync "github.com/Resonate-Protocol/tandem/internal/sync"
	"github.com/Resonate-Protocol/tandem/internal/transfer"
)

// Share loads payload locally and streams it to every connected guest (host only).
// Guests joining later receive it on connect.
func (r *Router) Share(payload transfer.Payload) error {
	if r.config.Role != RoleHost {
		return fmt.Errorf("share: %w", ErrNotHost)
	}

	r.controller.BeginLoading()
	if err := r.controller.LoadPayload(payload.Data, payload.Name); err != nil {
		return fmt.Errorf("share %q: %w", payload.Name, err)
	}
	payload.Duration = r.controller.Duration()

	r.mu.Lock()
	r.payload = &payload
	targets := make([]*PeerLink, 0, len(r.links))
	for _, l := range r.links {
		targets = append(targets, l)
	}
	r.mu.Unlock()

	log.Printf("Sharing %q (%d bytes, %v) with %d guests", payload.Name, len(payload.Data), payload.Duration, len(targets))

	// ctx and channel never change after a link opens
	for _, l := range targets {
		r.wg.Add(1)
		go r.streamTo(l.ctx, l.channel, payload, false)
	}

	r.notify()
	return nil
}

// Payload returns the shared payload's metadata, if any (host only)
func (r *Router) Payload() (transfer.Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.payload == nil {
		return transfer.Payload{}, false
	}
	return *r.payload, true
}

// Play starts everyone at seek after the lead time
func (r *Router) Play(seek time.Duration) error {
	if !r.controller.IsMaster() {
		return ErrNotMaster
	}
	if _, ok := r.Payload(); r.config.Role == RoleHost && !ok {
		return ErrNoPayload
	}

	offset := r.HostOffset()
	est := tsync.Estimate{Offset: offset}
	start := est.LocalToRemote(tsync.FutureMicros(r.config.LeadTime))

	outcome := r.controller.SchedulePlay(start, seek, offset)
	if outcome == playback.PastEnd {
		return fmt.Errorf("play at %v: past the end", seek)
	}

	return r.command(protocol.TypePlay, protocol.SchedulePlay{
		StartTime:      start,
		SeekPositionMs: seek.Milliseconds(),
	})
}

// Resume plays from the current position
func (r *Router) Resume() error {
	return r.Play(r.controller.Position())
}

// TogglePlay pauses when playing and resumes otherwise
func (r *Router) TogglePlay() error {
	if r.controller.State() == playback.StatePlaying {
		return r.Pause()
	}
	return r.Resume()
}

// Seek restarts everyone at pos
func (r *Router) Seek(pos time.Duration) error {
	if pos < 0 {
		pos = 0
	}
	return r.Play(pos)
}

// Pause pauses everyone
func (r *Router) Pause() error {
	if !r.controller.IsMaster() {
		return ErrNotMaster
	}

	pos := r.controller.Position()
	r.controller.Pause(pos)
	return r.command(protocol.TypePause, protocol.SchedulePause{
		PositionMs: pos.Milliseconds(),
	})
}

// Stop stops everyone
func (r *Router) Stop() error {
	if !r.controller.IsMaster() {
		return ErrNotMaster
	}

	r.controller.Stop()
	return r.command(protocol.TypeStop, protocol.ScheduleStop{})
}

// command sends a control message: to all guests from the host, to the
// host from a guest
func (r *Router) command(msgType string, payload interface{}) error {
	if r.config.Role == RoleHost {
		r.broadcast("", msgType, payload)
		return nil
	}

	r.mu.RLock()
	hostLink := r.hostLink
	r.mu.RUnlock()
	if hostLink == "" {
		return ErrNoHost
	}
	return r.send(hostLink, msgType, payload)
}

// RequestMaster asks the host for master control (guest only)
func (r *Router) RequestMaster() error {
	if r.config.Role == RoleHost {
		return nil
	}

	r.mu.RLock()
	hostLink := r.hostLink
	r.mu.RUnlock()
	if hostLink == "" {
		return ErrNoHost
	}

	log.Printf("Requesting master control")
	return r.send(hostLink, protocol.TypeRequestMaster, protocol.RequestMaster{ParticipantID: r.config.ParticipantID})
}

// GrantMaster gives master control to a guest. The host keeps its own flag;
// there is no single-master arbitration.
func (r *Router) GrantMaster(participantID string) error {
	if r.config.Role != RoleHost {
		return fmt.Errorf("grant: %w", ErrNotHost)
	}
	if !r.controller.IsMaster() {
		return ErrNotMaster
	}

	linkID, ok := r.setLinkMaster(participantID, true)
	if !ok {
		return fmt.Errorf("grant: unknown participant %s", participantID)
	}

	log.Printf("Granting master to %s", participantID)
	err := r.send(linkID, protocol.TypeGrantMaster, protocol.GrantMaster{ParticipantID: participantID})
	r.notify()
	return err
}

// RevokeMaster takes master control back from a guest
func (r *Router) RevokeMaster(participantID string) error {
	if r.config.Role != RoleHost {
		return fmt.Errorf("revoke: %w", ErrNotHost)
	}

	linkID, ok := r.setLinkMaster(participantID, false)
	if !ok {
		return fmt.Errorf("revoke: unknown participant %s", participantID)
	}

	log.Printf("Revoking master from %s", participantID)
	err := r.send(linkID, protocol.TypeRevokeMaster, protocol.RevokeMaster{ParticipantID: participantID})
	r.notify()
	return err
}

// GrantNextRequest grants master to the first guest waiting for it
func (r *Router) GrantNextRequest() error {
	for _, l := range r.Links() {
		if l.RequestedMaster && !l.IsMaster {
			return r.GrantMaster(l.ParticipantID)
		}
	}
	return nil
}

func (r *Router) setLinkMaster(participantID string, master bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, l := range r.links {
		if l.ParticipantID == participantID {
			l.IsMaster = master
			l.RequestedMaster = false
			return id, true
		}
	}
	return "", false
}
