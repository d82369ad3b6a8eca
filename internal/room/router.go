// ABOUTME: Protocol router owning the peer link table
// ABOUTME: Wires transport events to clock sync, transfers and the playback controller
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Resonate-Protocol/tandem/internal/playback"
	"github.com/Resonate-Protocol/tandem/internal/protocol"
	tsync "github.com/Resonate-Protocol/tandem/internal/sync"
	"github.com/Resonate-Protocol/tandem/internal/transfer"
	"github.com/Resonate-Protocol/tandem/internal/transport"
	"github.com/google/uuid"
)

var (
	ErrNotMaster = errors.New("room: not master")
	ErrNoPayload = errors.New("room: no payload loaded")
	ErrNotHost   = errors.New("room: only the host can do this")
	ErrNoHost    = errors.New("room: not connected to a host")
)

// DefaultHeartbeatInterval is how often each link is pinged at the protocol level
const DefaultHeartbeatInterval = 5 * time.Second

// Role is the local participant's place in the star
type Role int

const (
	RoleHost Role = iota
	RoleGuest
)

func (r Role) String() string {
	if r == RoleHost {
		return protocol.RoleHost
	}
	return protocol.RoleGuest
}

// Config holds router configuration
type Config struct {
	Role              Role
	Name              string
	ParticipantID     string
	LeadTime          time.Duration
	HeartbeatInterval time.Duration
	AutoGrantMaster   bool
	PeerToPeer        bool
	Retry             transport.RetryPolicy
	Stream            transfer.StreamConfig
	Sync              tsync.EngineConfig
}

// Router is the single dispatch point between links and local components
type Router struct {
	config     Config
	controller *playback.Controller
	engine     *tsync.Engine
	receiver   *transfer.Receiver

	mu       sync.RWMutex
	links    map[string]*PeerLink
	hostLink string
	payload  *transfer.Payload
	onUpdate func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a router that plays through pipeline
func NewRouter(config Config, pipeline playback.Pipeline) *Router {
	if config.ParticipantID == "" {
		config.ParticipantID = uuid.New().String()
	}
	if config.LeadTime <= 0 {
		config.LeadTime = tsync.DefaultLeadTime
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Retry == (transport.RetryPolicy{}) {
		config.Retry = transport.DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Router{
		config:     config,
		controller: playback.NewController(playback.Config{LeadTime: config.LeadTime}, pipeline),
		links:      make(map[string]*PeerLink),
		ctx:        ctx,
		cancel:     cancel,
	}
	r.engine = tsync.NewEngine(config.Sync, r.sendProbe)
	r.receiver = transfer.NewReceiver(transfer.Callbacks{
		OnStart:    r.transferStarted,
		OnComplete: r.transferCompleted,
		OnFailed:   r.transferFailed,
	})

	if config.Role == RoleHost {
		r.controller.SetMaster(true)
	}
	r.controller.OnStateChange(func(old, new playback.State) {
		r.notify()
	})

	return r
}

// Controller exposes the playback controller for read access
func (r *Router) Controller() *playback.Controller {
	return r.controller
}

// Receiver exposes transfer progress
func (r *Router) Receiver() *transfer.Receiver {
	return r.receiver
}

// Role returns the local role
func (r *Router) Role() Role {
	return r.config.Role
}

// ParticipantID returns the local participant's ID
func (r *Router) ParticipantID() string {
	return r.config.ParticipantID
}

// OnUpdate registers a callback run whenever links, sync or playback change
func (r *Router) OnUpdate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = fn
}

func (r *Router) notify() {
	r.mu.RLock()
	fn := r.onUpdate
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Links returns a snapshot of the peer table
func (r *Router) Links() []LinkInfo {
	r.mu.RLock()
	out := make([]LinkInfo, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l.info())
	}
	r.mu.RUnlock()

	for i := range out {
		_, _, out[i].Quality = r.engine.Stats(out[i].ID)
	}
	sortLinks(out)
	return out
}

// HostOffset is the value to add to local time to get the host's time
func (r *Router) HostOffset() int64 {
	if r.config.Role == RoleHost {
		return 0
	}
	r.mu.RLock()
	hostLink := r.hostLink
	r.mu.RUnlock()
	if hostLink == "" {
		return 0
	}
	return r.engine.Estimate(hostLink).Offset
}

// Connect dials the host with the retry policy (guest only). With
// PeerToPeer set, url is the host's signaling URL and the link is a WebRTC
// data channel.
func (r *Router) Connect(ctx context.Context, url string) error {
	if r.config.Role != RoleGuest {
		return fmt.Errorf("connect: %w", ErrNotHost)
	}

	dial := transport.Dial
	if r.config.PeerToPeer {
		dial = transport.DialWebRTC
	}

	log.Printf("Connecting to %s", url)
	_, err := transport.Connect(ctx, r.config.Retry, func(ctx context.Context) (transport.Channel, error) {
		return dial(ctx, url, r)
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	return nil
}

// Close tears down every link and timer
func (r *Router) Close() {
	r.cancel()
	r.engine.Stop()

	r.mu.RLock()
	channels := make([]transport.Channel, 0, len(r.links))
	for _, l := range r.links {
		channels = append(channels, l.channel)
	}
	r.mu.RUnlock()

	for _, ch := range channels {
		ch.Close()
	}
	r.wg.Wait()
}

// link returns the peer link for a channel ID
func (r *Router) link(id string) (*PeerLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	return l, ok
}

// send encodes and sends one message on a link
func (r *Router) send(linkID, msgType string, payload interface{}) error {
	l, ok := r.link(linkID)
	if !ok {
		return fmt.Errorf("send %s: unknown link %s", msgType, linkID)
	}
	return r.sendOn(l.channel, msgType, payload)
}

func (r *Router) sendOn(ch transport.Channel, msgType string, payload interface{}) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	f := transport.Text(data)
	// sync frames may overtake queued chunks
	f.Urgent = msgType == protocol.TypeSyncRequest || msgType == protocol.TypeSyncResponse
	return ch.Send(f)
}

// broadcast sends to every link except skip. A failing link is logged and
// the rest still receive the message.
func (r *Router) broadcast(skip, msgType string, payload interface{}) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("Failed to encode %s: %v", msgType, err)
		return
	}

	type target struct {
		ch   transport.Channel
		name string
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.links))
	for id, l := range r.links {
		if id != skip {
			targets = append(targets, target{ch: l.channel, name: l.displayName()})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.ch.Send(transport.Text(data)); err != nil {
			log.Printf("Failed to send %s to %s: %v", msgType, t.name, err)
		}
	}
}

func (r *Router) sendProbe(linkID string, t1 int64) error {
	return r.send(linkID, protocol.TypeSyncRequest, protocol.SyncRequest{T1: t1})
}

func (r *Router) syncUpdated(linkID string, est tsync.Estimate) {
	r.mu.Lock()
	if l, ok := r.links[linkID]; ok {
		l.Estimate = est
	}
	r.mu.Unlock()
	r.notify()
}

// heartbeat pings a link until its context ends
func (r *Router) heartbeat(ctx context.Context, ch transport.Channel) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sendOn(ch, protocol.TypeHeartbeat, protocol.Heartbeat{Timestamp: tsync.ClientMicros()}); err != nil {
				log.Printf("Heartbeat to %s failed: %v", ch.ID(), err)
			}
		}
	}
}

func (r *Router) transferStarted(linkID string, meta protocol.TransferMeta) {
	r.controller.BeginLoading()
	r.notify()
}

func (r *Router) transferCompleted(res transfer.Result) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.controller.LoadPayload(res.Data, res.Meta.Name); err != nil {
			log.Printf("Failed to load %q: %v", res.Meta.Name, err)
		}
		r.notify()
	}()
}

func (r *Router) transferFailed(linkID string, meta protocol.TransferMeta, err error) {
	r.controller.AbortLoading()
	r.notify()
}
