// ABOUTME: Tests for the protocol router over in-process channel pairs
// ABOUTME: Covers join streaming, late joiners, reordered chunks, master gating, relay and link loss
package room

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/tandem/internal/playback"
	"github.com/Resonate-Protocol/tandem/internal/protocol"
	tsync "github.com/Resonate-Protocol/tandem/internal/sync"
	"github.com/Resonate-Protocol/tandem/internal/transfer"
	"github.com/Resonate-Protocol/tandem/internal/transport"
)

type fakePipeline struct {
	mu        sync.Mutex
	ready     bool
	loaded    []byte
	loadGate  chan struct{}
	loadErr   error
	loads     int
	scheduled []scheduleCall
	paused    int
	stopped   int
	position  time.Duration
}

type scheduleCall struct {
	at   time.Time
	seek time.Duration
}

func (p *fakePipeline) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePipeline) Load(data []byte, name string) (time.Duration, error) {
	if p.loadGate != nil {
		<-p.loadGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	if p.loadErr != nil {
		p.ready = false
		return 0, p.loadErr
	}
	p.loaded = append([]byte(nil), data...)
	p.ready = true
	return time.Minute, nil
}

func (p *fakePipeline) SchedulePlayback(at time.Time, seek time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduled = append(p.scheduled, scheduleCall{at: at, seek: seek})
	return nil
}

func (p *fakePipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused++
	return nil
}

func (p *fakePipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
	return nil
}

func (p *fakePipeline) CurrentPosition() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *fakePipeline) setPosition(d time.Duration) {
	p.mu.Lock()
	p.position = d
	p.mu.Unlock()
}

func (p *fakePipeline) counts() (loads, paused, stopped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads, p.paused, p.stopped
}

func (p *fakePipeline) data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *fakePipeline) calls() []scheduleCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scheduleCall(nil), p.scheduled...)
}

func testConfig(role Role, name string) Config {
	return Config{
		Role:              role,
		Name:              name,
		LeadTime:          200 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		Sync:              tsync.EngineConfig{Interval: 50 * time.Millisecond, Timeout: 500 * time.Millisecond},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func payloadOf(n int) transfer.Payload {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return transfer.Payload{Name: "song.mp3", MimeType: "audio/mpeg", Data: data}
}

type guestSide struct {
	router *Router
	pipe   *fakePipeline
	end    *transport.MemoryChannel
}

// join connects a new guest to host and returns both ends once opened
func join(t *testing.T, host *Router, name string, setup func(g *guestSide)) *guestSide {
	t.Helper()
	g := &guestSide{pipe: &fakePipeline{}}
	g.router = NewRouter(testConfig(RoleGuest, name), g.pipe)
	t.Cleanup(g.router.Close)

	hostEnd, guestEnd := transport.NewMemoryPair(host, g.router)
	g.end = guestEnd
	if setup != nil {
		setup(g)
	}
	hostEnd.Open()
	return g
}

func newHost(t *testing.T, cfg Config) (*Router, *fakePipeline) {
	t.Helper()
	p := &fakePipeline{}
	r := NewRouter(cfg, p)
	t.Cleanup(r.Close)
	return r, p
}

func joinLoaded(t *testing.T, host *Router, name string) *guestSide {
	t.Helper()
	g := join(t, host, name, nil)
	waitFor(t, name+" to load the payload", func() bool { return g.pipe.IsReady() })
	return g
}

func TestGuestReceivesReorderedChunks(t *testing.T) {
	host, _ := newHost(t, testConfig(RoleHost, "host"))
	payload := payloadOf(40000)
	if err := host.Share(payload); err != nil {
		t.Fatalf("Share failed: %v", err)
	}

	gate := make(chan struct{})
	var mu sync.Mutex
	var held []transport.Frame
	g := join(t, host, "guest", func(g *guestSide) {
		g.pipe.loadGate = gate
		g.end.Intercept = func(f transport.Frame) bool {
			if !f.Binary {
				return true
			}
			mu.Lock()
			held = append(held, f)
			ready := append([]transport.Frame(nil), held...)
			mu.Unlock()
			if len(ready) == 3 {
				for _, i := range []int{2, 0, 1} {
					g.router.OnMessage(g.end, ready[i])
				}
			}
			return false
		}
		if got := g.router.Controller().State(); got != playback.StateStopped {
			t.Errorf("initial state = %v, want stopped", got)
		}
	})

	waitFor(t, "session to close", func() bool {
		mu.Lock()
		n := len(held)
		mu.Unlock()
		return n == 3 && !g.router.Receiver().Open(g.end.ID())
	})
	if got := g.router.Controller().State(); got != playback.StateLoading {
		t.Errorf("state while decoding = %v, want loading", got)
	}

	close(gate)
	waitFor(t, "decode to finish", func() bool { return g.router.Controller().State() == playback.StateStopped && g.pipe.IsReady() })

	if !bytes.Equal(g.pipe.data(), payload.Data) {
		t.Errorf("guest loaded %d bytes, want the original %d", len(g.pipe.data()), len(payload.Data))
	}
	if got := g.router.Controller().Name(); got != "song.mp3" {
		t.Errorf("loaded name = %q", got)
	}
}

func TestParticipantInfoMarksLinkConnected(t *testing.T) {
	host, _ := newHost(t, testConfig(RoleHost, "host"))
	g := join(t, host, "kitchen", nil)

	waitFor(t, "host to see the guest", func() bool {
		links := host.Links()
		return len(links) == 1 && links[0].Status == StatusConnected && links[0].Name == "kitchen"
	})
	waitFor(t, "guest to see the host", func() bool {
		links := g.router.Links()
		return len(links) == 1 && links[0].Status == StatusConnected && links[0].Role == protocol.RoleHost
	})

	links := host.Links()
	if links[0].ParticipantID != g.router.ParticipantID() {
		t.Errorf("participant ID = %q, want %q", links[0].ParticipantID, g.router.ParticipantID())
	}
}

func TestHostPlayReachesGuests(t *testing.T) {
	host, hostPipe := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(1000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	g := joinLoaded(t, host, "guest")

	if err := host.Play(2 * time.Second); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	waitFor(t, "guest to schedule", func() bool { return len(g.pipe.calls()) == 1 })

	hostCall := hostPipe.calls()[0]
	guestCall := g.pipe.calls()[0]
	if guestCall.seek != 2*time.Second {
		t.Errorf("guest seek = %v, want 2s", guestCall.seek)
	}
	// both sides share a clock here, so deadlines only differ by the estimate error
	if diff := guestCall.at.Sub(hostCall.at); diff > 50*time.Millisecond || diff < -50*time.Millisecond {
		t.Errorf("guest deadline differs from host by %v", diff)
	}
	if got := g.router.Controller().State(); got != playback.StatePlaying {
		t.Errorf("guest state = %v, want playing", got)
	}

	if err := host.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitFor(t, "guest to stop", func() bool { return g.router.Controller().State() == playback.StateStopped })
}

func TestHostPlayWithoutPayload(t *testing.T) {
	host, _ := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Play(0); !errors.Is(err, ErrNoPayload) {
		t.Errorf("Play without payload = %v, want ErrNoPayload", err)
	}
}

func TestGuestNeedsMaster(t *testing.T) {
	host, _ := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(1000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	g := joinLoaded(t, host, "guest")

	if err := g.router.Play(0); !errors.Is(err, ErrNotMaster) {
		t.Errorf("Play = %v, want ErrNotMaster", err)
	}
	if err := g.router.Pause(); !errors.Is(err, ErrNotMaster) {
		t.Errorf("Pause = %v, want ErrNotMaster", err)
	}
	if err := g.router.GrantMaster("x"); !errors.Is(err, ErrNotHost) {
		t.Errorf("GrantMaster from a guest = %v, want ErrNotHost", err)
	}
}

func TestHostIgnoresCommandsFromNonMaster(t *testing.T) {
	host, hostPipe := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(1000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	g := joinLoaded(t, host, "guest")

	play, err := protocol.Encode(protocol.TypePlay, protocol.SchedulePlay{StartTime: tsync.FutureMicros(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.end.Send(transport.Text(play)); err != nil {
		t.Fatal(err)
	}
	// frames are handled in order, so once the request is seen the play was too
	if err := g.router.RequestMaster(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "master request", func() bool {
		links := host.Links()
		return len(links) == 1 && links[0].RequestedMaster
	})

	if n := len(hostPipe.calls()); n != 0 {
		t.Errorf("host scheduled %d plays from a non-master guest", n)
	}
	if got := host.Controller().State(); got != playback.StateStopped {
		t.Errorf("host state = %v, want stopped", got)
	}
}

func TestMasterGrantRelayAndRevoke(t *testing.T) {
	host, hostPipe := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(1000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	a := joinLoaded(t, host, "alpha")
	b := joinLoaded(t, host, "beta")

	if err := a.router.RequestMaster(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "master request", func() bool {
		for _, l := range host.Links() {
			if l.RequestedMaster {
				return true
			}
		}
		return false
	})
	if err := host.GrantNextRequest(); err != nil {
		t.Fatalf("GrantNextRequest failed: %v", err)
	}
	waitFor(t, "grant", func() bool { return a.router.Controller().IsMaster() })
	if !host.Controller().IsMaster() {
		t.Error("host lost its own master flag after granting")
	}
	if b.router.Controller().IsMaster() {
		t.Error("beta became master")
	}

	if err := a.router.Play(time.Second); err != nil {
		t.Fatalf("master guest Play failed: %v", err)
	}
	waitFor(t, "host to obey", func() bool { return len(hostPipe.calls()) == 1 })
	waitFor(t, "relay to beta", func() bool { return len(b.pipe.calls()) == 1 })
	if got := b.pipe.calls()[0].seek; got != time.Second {
		t.Errorf("relayed seek = %v, want 1s", got)
	}
	if n := len(a.pipe.calls()); n != 1 {
		t.Errorf("alpha scheduled %d times, want once (no echo)", n)
	}

	if err := host.RevokeMaster(a.router.ParticipantID()); err != nil {
		t.Fatalf("RevokeMaster failed: %v", err)
	}
	waitFor(t, "revoke", func() bool { return !a.router.Controller().IsMaster() })
	if err := a.router.Stop(); !errors.Is(err, ErrNotMaster) {
		t.Errorf("Stop after revoke = %v, want ErrNotMaster", err)
	}
}

func TestAutoGrantMaster(t *testing.T) {
	cfg := testConfig(RoleHost, "host")
	cfg.AutoGrantMaster = true
	host, _ := newHost(t, cfg)
	g := join(t, host, "guest", nil)

	waitFor(t, "guest to see the host", func() bool { return len(g.router.Links()) == 1 })
	if err := g.router.RequestMaster(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "auto grant", func() bool { return g.router.Controller().IsMaster() })
}

func TestLinkLossDiscardsTransfer(t *testing.T) {
	host, _ := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(40000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}

	g := join(t, host, "guest", func(g *guestSide) {
		g.end.Intercept = func(f transport.Frame) bool {
			if f.Binary {
				return false
			}
			env, err := protocol.DecodeEnvelope(f.Data)
			return err != nil || env.Type != protocol.TypeTransferComplete
		}
	})

	waitFor(t, "transfer to open", func() bool { return g.router.Receiver().Open(g.end.ID()) })
	if got := g.router.Controller().State(); got != playback.StateLoading {
		t.Fatalf("state = %v, want loading", got)
	}

	g.end.Close()

	waitFor(t, "link removal", func() bool { return len(g.router.Links()) == 0 && len(host.Links()) == 0 })
	if g.router.Receiver().Open(g.end.ID()) {
		t.Error("transfer still open after link loss")
	}
	if got := g.router.Controller().State(); got != playback.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if g.pipe.data() != nil {
		t.Error("partial payload was loaded")
	}
	if err := g.router.RequestMaster(); !errors.Is(err, ErrNoHost) {
		t.Errorf("RequestMaster without host = %v, want ErrNoHost", err)
	}
}

func TestShareRequiresHost(t *testing.T) {
	r := NewRouter(testConfig(RoleGuest, "guest"), &fakePipeline{})
	defer r.Close()

	if err := r.Share(payloadOf(10)); !errors.Is(err, ErrNotHost) {
		t.Errorf("Share from guest = %v, want ErrNotHost", err)
	}
	if r.HostOffset() != 0 {
		t.Errorf("HostOffset without a host = %d", r.HostOffset())
	}
}

func TestJoinWhilePlaying(t *testing.T) {
	host, _ := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(40000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	if err := host.Play(0); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	gate := make(chan struct{})
	g := join(t, host, "late", func(g *guestSide) { g.pipe.loadGate = gate })

	// the snapshot lands while the payload is still decoding
	waitFor(t, "snapshot to be held", func() bool {
		intent, ok := g.router.Controller().Pending()
		return ok && intent.IsPlaying
	})
	if n := len(g.pipe.calls()); n != 0 {
		t.Fatalf("guest scheduled %d plays before decoding", n)
	}

	close(gate)
	waitFor(t, "held play to start", func() bool { return len(g.pipe.calls()) == 1 })

	call := g.pipe.calls()[0]
	if call.seek != tsync.ProtocolLeadTime {
		t.Errorf("late joiner seek = %v, want %v", call.seek, tsync.ProtocolLeadTime)
	}
	if call.at.Before(time.Now().Add(-50 * time.Millisecond)) {
		t.Errorf("late joiner was scheduled in the past: %v", time.Until(call.at))
	}
	if got := g.router.Controller().State(); got != playback.StatePlaying {
		t.Errorf("late joiner state = %v, want playing", got)
	}
	if _, ok := g.router.Controller().Pending(); ok {
		t.Error("held play should be consumed")
	}
}

func TestGuestDecodeFailureStops(t *testing.T) {
	host, _ := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(1000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}

	g := join(t, host, "guest", func(g *guestSide) { g.pipe.loadErr = errors.New("bad frame header") })

	waitFor(t, "decode attempt", func() bool {
		loads, _, _ := g.pipe.counts()
		return loads == 1 && g.router.Controller().State() == playback.StateStopped
	})
	if g.pipe.IsReady() {
		t.Error("pipeline should not be ready after a failed decode")
	}
	if got := g.router.Controller().Name(); got != "" {
		t.Errorf("failed payload was recorded as %q", got)
	}
	if g.router.Receiver().Open(g.end.ID()) {
		t.Error("transfer should be closed")
	}
}

func TestHostIgnoresTransferFromGuest(t *testing.T) {
	host, hostPipe := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(1000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	g := joinLoaded(t, host, "guest")
	if err := host.Play(0); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	meta, err := protocol.Encode(protocol.TypeTransferMeta, protocol.TransferMeta{Name: "evil.mp3", Size: 10, ChunkCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	complete, err := protocol.Encode(protocol.TypeTransferComplete, protocol.TransferComplete{})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range []transport.Frame{
		transport.Text(meta),
		transport.Binary(protocol.EncodeChunk(protocol.TransferChunk{Index: 0, ChunkCount: 1, Data: []byte("0123456789")})),
		transport.Text(complete),
	} {
		if err := g.end.Send(f); err != nil {
			t.Fatal(err)
		}
	}
	// frames are handled in order, so once the request is seen the rest were too
	if err := g.router.RequestMaster(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "master request", func() bool {
		links := host.Links()
		return len(links) == 1 && links[0].RequestedMaster
	})

	if got := host.Controller().State(); got != playback.StatePlaying {
		t.Errorf("host state = %v, want playing", got)
	}
	if _, _, stopped := hostPipe.counts(); stopped != 0 {
		t.Errorf("host pipeline stopped %d times", stopped)
	}
	if loads, _, _ := hostPipe.counts(); loads != 1 {
		t.Errorf("host loaded %d payloads, want only its own", loads)
	}
	if host.Receiver().Open(host.Links()[0].ID) {
		t.Error("host opened a transfer from a guest")
	}
}

func TestGuestFollowsPausePosition(t *testing.T) {
	host, hostPipe := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(1000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	g := joinLoaded(t, host, "guest")

	if err := host.Play(0); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	waitFor(t, "guest to play", func() bool { return g.router.Controller().State() == playback.StatePlaying })

	hostPipe.setPosition(4 * time.Second)
	g.pipe.setPosition(4*time.Second - 30*time.Millisecond)
	if err := host.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	waitFor(t, "guest to pause", func() bool { return g.router.Controller().State() == playback.StatePaused })

	if got := g.router.Controller().Position(); got != 4*time.Second {
		t.Errorf("guest paused at %v, want the host's 4s", got)
	}
	if _, paused, _ := g.pipe.counts(); paused != 1 {
		t.Errorf("guest pipeline paused %d times, want 1", paused)
	}
}

func TestAbortedTransferStopsPlayback(t *testing.T) {
	host, _ := newHost(t, testConfig(RoleHost, "host"))
	if err := host.Share(payloadOf(1000)); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	g := joinLoaded(t, host, "guest")
	if err := host.Play(0); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	waitFor(t, "guest to play", func() bool { return g.router.Controller().State() == playback.StatePlaying })

	// a second transfer from the host that never delivers a chunk
	hostLink := g.router.Links()[0].ID
	g.router.Receiver().HandleMeta(hostLink, protocol.TransferMeta{Name: "next.mp3", Size: 40000, ChunkCount: 3})
	g.router.Receiver().HandleComplete(hostLink)

	if got := g.router.Controller().State(); got != playback.StateStopped {
		t.Errorf("guest state = %v, want stopped", got)
	}
	if _, _, stopped := g.pipe.counts(); stopped != 1 {
		t.Errorf("guest pipeline stopped %d times, want 1", stopped)
	}
}
