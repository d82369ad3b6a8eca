// ABOUTME: Transport event handlers and the inbound message dispatch table
// ABOUTME: Host streams to joiners and relays master commands; every peer obeys commands
package room

import (
	"context"
	"log"
	"time"

	"github.com/Resonate-Protocol/tandem/internal/protocol"
	tsync "github.com/Resonate-Protocol/tandem/internal/sync"
	"github.com/Resonate-Protocol/tandem/internal/transfer"
	"github.com/Resonate-Protocol/tandem/internal/transport"
	"github.com/Resonate-Protocol/tandem/internal/version"
)

// OnOpen registers the link, introduces us and starts sync. A host with a
// loaded payload streams it to the new link, then sends a snapshot.
func (r *Router) OnOpen(ch transport.Channel) {
	ctx, cancel := context.WithCancel(r.ctx)
	l := &PeerLink{
		ID:           ch.ID(),
		Status:       StatusConnecting,
		LastActivity: time.Now(),
		channel:      ch,
		ctx:          ctx,
		cancel:       cancel,
	}

	r.mu.Lock()
	r.links[l.ID] = l
	if r.config.Role == RoleGuest {
		r.hostLink = l.ID
	}
	payload := r.payload
	r.mu.Unlock()

	log.Printf("Link %s opened", l.ID)

	info := protocol.ParticipantInfo{
		ParticipantID: r.config.ParticipantID,
		Name:          r.config.Name,
		Role:          r.config.Role.String(),
		Product:       version.Product,
		Version:       version.Version,
	}
	if err := r.sendOn(ch, protocol.TypeParticipantInfo, info); err != nil {
		log.Printf("Failed to introduce ourselves to %s: %v", l.ID, err)
	}

	r.engine.StartContinuousSync(l.ID, r.syncUpdated)

	r.wg.Add(1)
	go r.heartbeat(ctx, ch)

	if r.config.Role == RoleHost && payload != nil {
		r.wg.Add(1)
		go r.streamTo(ctx, ch, *payload, true)
	}

	r.notify()
}

// OnClose forgets the link and everything tied to it
func (r *Router) OnClose(ch transport.Channel) {
	r.mu.Lock()
	l, ok := r.links[ch.ID()]
	if ok {
		delete(r.links, ch.ID())
		l.cancel()
	}
	wasHost := r.hostLink == ch.ID()
	if wasHost {
		r.hostLink = ""
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.engine.StopSync(ch.ID())
	if r.receiver.Open(ch.ID()) {
		r.receiver.Discard(ch.ID())
		r.controller.AbortLoading()
	}
	if wasHost && r.controller.IsMaster() {
		r.controller.SetMaster(false)
	}

	log.Printf("Link %s (%s) %s", l.ID, l.displayName(), StatusDisconnected)
	r.notify()
}

// OnError marks the link as failed. Links are not recreated.
func (r *Router) OnError(ch transport.Channel, err error) {
	log.Printf("Link %s error: %v", ch.ID(), err)

	r.mu.Lock()
	if l, ok := r.links[ch.ID()]; ok {
		l.Status = StatusError
	}
	r.mu.Unlock()
	r.notify()
}

// OnMessage decodes and dispatches one inbound frame
func (r *Router) OnMessage(ch transport.Channel, f transport.Frame) {
	received := tsync.ClientMicros()

	r.mu.Lock()
	l, ok := r.links[ch.ID()]
	if ok {
		l.LastActivity = time.Now()
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if f.Binary {
		if !r.fromHost(ch.ID(), "chunk") {
			return
		}
		chunk, err := protocol.DecodeChunk(f.Data)
		if err != nil {
			log.Printf("Bad binary frame from %s: %v", ch.ID(), err)
			return
		}
		r.receiver.HandleChunk(ch.ID(), chunk)
		return
	}

	env, err := protocol.DecodeEnvelope(f.Data)
	if err != nil {
		log.Printf("Bad message from %s: %v", ch.ID(), err)
		return
	}

	switch env.Type {
	case protocol.TypeSyncRequest:
		var req protocol.SyncRequest
		if decode(env, &req) {
			t1, t2, t3 := tsync.Respond(req.T1, received)
			if err := r.sendOn(ch, protocol.TypeSyncResponse, protocol.SyncResponse{T1: t1, T2: t2, T3: t3}); err != nil {
				log.Printf("Failed to answer sync probe from %s: %v", ch.ID(), err)
			}
		}

	case protocol.TypeSyncResponse:
		var resp protocol.SyncResponse
		if decode(env, &resp) {
			r.engine.HandleSyncResponse(ch.ID(), resp.T1, resp.T2, resp.T3)
		}

	case protocol.TypeTransferMeta:
		var meta protocol.TransferMeta
		if r.fromHost(ch.ID(), env.Type) && decode(env, &meta) {
			r.receiver.HandleMeta(ch.ID(), meta)
		}

	case protocol.TypeTransferComplete:
		if r.fromHost(ch.ID(), env.Type) {
			r.receiver.HandleComplete(ch.ID())
		}

	case protocol.TypePlay:
		var play protocol.SchedulePlay
		if decode(env, &play) && r.acceptCommand(ch.ID(), env.Type) {
			r.controller.SchedulePlay(play.StartTime, time.Duration(play.SeekPositionMs)*time.Millisecond, r.HostOffset())
			r.relay(ch.ID(), env.Type, play)
		}

	case protocol.TypePause:
		var pause protocol.SchedulePause
		if decode(env, &pause) && r.acceptCommand(ch.ID(), env.Type) {
			r.controller.Pause(time.Duration(pause.PositionMs) * time.Millisecond)
			r.relay(ch.ID(), env.Type, pause)
		}

	case protocol.TypeStop:
		if r.acceptCommand(ch.ID(), env.Type) {
			r.controller.Stop()
			r.relay(ch.ID(), env.Type, protocol.ScheduleStop{})
		}

	case protocol.TypeSnapshot:
		var snap protocol.PlaybackSnapshot
		if decode(env, &snap) && r.acceptCommand(ch.ID(), env.Type) {
			r.applySnapshot(snap)
		}

	case protocol.TypeRequestMaster:
		var req protocol.RequestMaster
		if decode(env, &req) {
			r.handleMasterRequest(ch.ID(), req)
		}

	case protocol.TypeGrantMaster:
		var grant protocol.GrantMaster
		if decode(env, &grant) && grant.ParticipantID == r.config.ParticipantID {
			r.controller.SetMaster(true)
		}

	case protocol.TypeRevokeMaster:
		var revoke protocol.RevokeMaster
		if decode(env, &revoke) && (revoke.ParticipantID == "" || revoke.ParticipantID == r.config.ParticipantID) {
			r.controller.SetMaster(false)
		}

	case protocol.TypeParticipantInfo:
		var info protocol.ParticipantInfo
		if decode(env, &info) {
			r.mu.Lock()
			if l, ok := r.links[ch.ID()]; ok {
				l.ParticipantID = info.ParticipantID
				l.Name = info.Name
				l.Role = info.Role
				if l.Status == StatusConnecting {
					l.Status = StatusConnected
				}
			}
			r.mu.Unlock()
			log.Printf("Link %s is %s %q (%s %s)", ch.ID(), info.Role, info.Name, info.Product, info.Version)
		}

	case protocol.TypeHeartbeat:
		// activity already recorded

	default:
		log.Printf("Unknown message type from %s: %s", ch.ID(), env.Type)
		return
	}

	r.notify()
}

func decode(env protocol.Envelope, v interface{}) bool {
	if err := env.Decode(v); err != nil {
		log.Printf("Dropping %s: %v", env.Type, err)
		return false
	}
	return true
}

// fromHost reports whether a transfer message may be taken from linkID.
// Payloads only flow from the host to its guests.
func (r *Router) fromHost(linkID, msgType string) bool {
	r.mu.RLock()
	ok := r.config.Role == RoleGuest && r.hostLink == linkID
	r.mu.RUnlock()

	if !ok {
		log.Printf("Ignoring %s from %s: not our host", msgType, linkID)
	}
	return ok
}

// acceptCommand applies the host's master check to playback commands from
// guests. Guests obey whatever their host sends.
func (r *Router) acceptCommand(linkID, msgType string) bool {
	if r.config.Role != RoleHost {
		return true
	}

	r.mu.RLock()
	l, ok := r.links[linkID]
	master := ok && l.IsMaster
	name := ""
	if ok {
		name = l.displayName()
	}
	r.mu.RUnlock()

	if !master {
		log.Printf("Ignoring %s from %s: not master", msgType, name)
	}
	return master
}

// relay forwards a command from a master guest to the other guests
func (r *Router) relay(from, msgType string, payload interface{}) {
	if r.config.Role != RoleHost {
		return
	}
	r.broadcast(from, msgType, payload)
}

func (r *Router) applySnapshot(snap protocol.PlaybackSnapshot) {
	seek := time.Duration(snap.SeekPositionMs) * time.Millisecond
	if snap.IsPlaying {
		r.controller.SchedulePlay(snap.StartTime, seek, r.HostOffset())
		return
	}
	if seek > 0 {
		r.controller.Pause(seek)
	}
}

func (r *Router) handleMasterRequest(linkID string, req protocol.RequestMaster) {
	if r.config.Role != RoleHost {
		return
	}

	r.mu.Lock()
	if l, ok := r.links[linkID]; ok {
		l.RequestedMaster = true
		if l.ParticipantID == "" {
			l.ParticipantID = req.ParticipantID
		}
	}
	r.mu.Unlock()

	log.Printf("Master requested by %s", req.ParticipantID)
	if r.config.AutoGrantMaster {
		if err := r.GrantMaster(req.ParticipantID); err != nil {
			log.Printf("Failed to grant master to %s: %v", req.ParticipantID, err)
		}
	}
}

// streamTo sends the payload to one link; a join also gets a snapshot after
func (r *Router) streamTo(ctx context.Context, ch transport.Channel, payload transfer.Payload, join bool) {
	defer r.wg.Done()

	start := time.Now()
	if err := transfer.Stream(ctx, ch.Send, payload, r.config.Stream); err != nil {
		log.Printf("Streaming %q to %s failed: %v", payload.Name, ch.ID(), err)
		return
	}
	log.Printf("Streamed %q to %s in %v", payload.Name, ch.ID(), time.Since(start).Round(time.Millisecond))

	if !join {
		return
	}

	playing, seek, startTime := r.controller.Snapshot(tsync.ProtocolLeadTime)
	snap := protocol.PlaybackSnapshot{
		IsPlaying:      playing,
		SeekPositionMs: seek.Milliseconds(),
		StartTime:      startTime,
	}
	if err := r.sendOn(ch, protocol.TypeSnapshot, snap); err != nil {
		log.Printf("Failed to send snapshot to %s: %v", ch.ID(), err)
	}
}
