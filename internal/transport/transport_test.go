// ABOUTME: Tests for retry policy, memory pairs and websocket links
// ABOUTME: Uses httptest for a real websocket round trip
package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder is a Handler that records every event
type recorder struct {
	mu     sync.Mutex
	opened int
	closed int
	errs   int
	frames []Frame
	gotAll chan struct{}
	want   int
}

func newRecorder(want int) *recorder {
	return &recorder{want: want, gotAll: make(chan struct{})}
}

func (r *recorder) OnOpen(ch Channel) {
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
}

func (r *recorder) OnMessage(ch Channel, f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	if len(r.frames) == r.want {
		close(r.gotAll)
	}
}

func (r *recorder) OnClose(ch Channel) {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
}

func (r *recorder) OnError(ch Channel, err error) {
	r.mu.Lock()
	r.errs++
	r.mu.Unlock()
}

func (r *recorder) counts() (opened, closed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened, r.closed
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 2 {
		t.Errorf("expected 2 retries, got %d", p.MaxRetries)
	}
	if p.Delay != 500*time.Millisecond {
		t.Errorf("expected 500ms delay, got %v", p.Delay)
	}
	if p.AttemptTimeout != 3*time.Second {
		t.Errorf("expected 3s attempt timeout, got %v", p.AttemptTimeout)
	}
}

func TestConnectExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	policy := RetryPolicy{MaxRetries: 2, Delay: 10 * time.Millisecond, AttemptTimeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := Connect(context.Background(), policy, func(ctx context.Context) (Channel, error) {
		attempts.Add(1)
		return nil, errors.New("refused")
	})

	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("expected two fixed delays between attempts, took %v", elapsed)
	}
}

func TestConnectSucceedsOnRetry(t *testing.T) {
	var attempts atomic.Int32
	policy := RetryPolicy{MaxRetries: 2, Delay: time.Millisecond, AttemptTimeout: 50 * time.Millisecond}

	a, _ := NewMemoryPair(newRecorder(0), newRecorder(0))
	ch, err := Connect(context.Background(), policy, func(ctx context.Context) (Channel, error) {
		if attempts.Add(1) < 2 {
			return nil, errors.New("refused")
		}
		return a, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if ch != a {
		t.Error("expected the dialed channel")
	}
}

func TestConnectAttemptTimeout(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 0, Delay: time.Millisecond, AttemptTimeout: 20 * time.Millisecond}

	_, err := Connect(context.Background(), policy, func(ctx context.Context) (Channel, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, DefaultRetryPolicy(), func(ctx context.Context) (Channel, error) {
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryPairDeliversInOrder(t *testing.T) {
	left := newRecorder(0)
	right := newRecorder(3)
	a, b := NewMemoryPair(left, right)
	a.Open()

	for i := 0; i < 3; i++ {
		if err := a.Send(Binary([]byte{byte(i)})); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	select {
	case <-right.gotAll:
	case <-time.After(time.Second):
		t.Fatal("frames not delivered")
	}

	right.mu.Lock()
	for i, f := range right.frames {
		if !f.Binary || f.Data[0] != byte(i) {
			t.Errorf("frame %d out of order: %+v", i, f)
		}
	}
	right.mu.Unlock()

	b.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, lc := left.counts()
		_, rc := right.counts()
		if lc == 1 && rc == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, lc := left.counts(); lc != 1 {
		t.Errorf("expected left OnClose once, got %d", lc)
	}
	if err := a.Send(Text([]byte("late"))); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	hostSide := newRecorder(2)
	srv := NewServer("127.0.0.1:0", hostSide)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + Path
	guestSide := newRecorder(0)

	ch, err := Connect(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) (Channel, error) {
		return Dial(ctx, url, guestSide)
	})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ch.Close()

	payload := bytes.Repeat([]byte{0x5A}, 20000)
	if err := ch.Send(Text([]byte(`{"type":"heartbeat"}`))); err != nil {
		t.Fatalf("send text failed: %v", err)
	}
	if err := ch.Send(Binary(payload)); err != nil {
		t.Fatalf("send binary failed: %v", err)
	}

	select {
	case <-hostSide.gotAll:
	case <-time.After(2 * time.Second):
		t.Fatal("host did not receive frames")
	}

	hostSide.mu.Lock()
	defer hostSide.mu.Unlock()
	if hostSide.frames[0].Binary || string(hostSide.frames[0].Data) != `{"type":"heartbeat"}` {
		t.Errorf("unexpected text frame: %+v", hostSide.frames[0])
	}
	if !hostSide.frames[1].Binary || !bytes.Equal(hostSide.frames[1].Data, payload) {
		t.Error("binary frame corrupted")
	}
	if hostSide.opened != 1 {
		t.Errorf("expected host OnOpen once, got %d", hostSide.opened)
	}
}

func TestWebSocketUrgentFramesGoFirst(t *testing.T) {
	c := newWSChannel(nil)

	for i := 0; i < 3; i++ {
		if err := c.Send(Binary([]byte{byte(i)})); err != nil {
			t.Fatalf("queue chunk %d: %v", i, err)
		}
	}
	syncFrame := Text([]byte(`{"type":"sync/response"}`))
	syncFrame.Urgent = true
	if err := c.Send(syncFrame); err != nil {
		t.Fatalf("queue sync frame: %v", err)
	}

	f, ping, ok := c.next(nil)
	if !ok || ping || f.Binary || string(f.Data) != `{"type":"sync/response"}` {
		t.Fatalf("expected the sync frame first, got %+v ping=%v ok=%v", f, ping, ok)
	}
	for i := 0; i < 3; i++ {
		f, _, _ := c.next(nil)
		if !f.Binary || f.Data[0] != byte(i) {
			t.Errorf("chunk %d out of order: %+v", i, f)
		}
	}

	ticks := make(chan time.Time, 1)
	ticks <- time.Now()
	if _, ping, ok := c.next(ticks); !ok || !ping {
		t.Errorf("expected a ping with the queues empty, got ping=%v ok=%v", ping, ok)
	}

	c.once.Do(func() { close(c.done) })
	if _, _, ok := c.next(nil); ok {
		t.Error("expected next to stop once closed")
	}
}

func TestWebRTCRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}

	hostSide := newRecorder(2)
	ts := httptest.NewServer(NewServer("127.0.0.1:0", hostSide))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + SignalPath
	guestSide := newRecorder(0)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ch, err := DialWebRTC(ctx, url, guestSide)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if opened, _ := guestSide.counts(); opened != 1 {
		t.Errorf("expected guest OnOpen before dial returns, got %d", opened)
	}

	payload := bytes.Repeat([]byte{0xA5}, 16393)
	if err := ch.Send(Text([]byte(`{"type":"heartbeat"}`))); err != nil {
		t.Fatalf("send text failed: %v", err)
	}
	if err := ch.Send(Binary(payload)); err != nil {
		t.Fatalf("send binary failed: %v", err)
	}

	select {
	case <-hostSide.gotAll:
	case <-time.After(5 * time.Second):
		t.Fatal("host did not receive frames")
	}

	hostSide.mu.Lock()
	if hostSide.frames[0].Binary || string(hostSide.frames[0].Data) != `{"type":"heartbeat"}` {
		t.Errorf("unexpected text frame: %+v", hostSide.frames[0])
	}
	if !hostSide.frames[1].Binary || !bytes.Equal(hostSide.frames[1].Data, payload) {
		t.Error("binary frame corrupted")
	}
	hostSide.mu.Unlock()

	ch.Close()
	if err := ch.Send(Text([]byte("late"))); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("send after close = %v, want ErrChannelClosed", err)
	}
}

func TestSignalURL(t *testing.T) {
	if got := SignalURL("10.0.0.2:8927"); got != "ws://10.0.0.2:8927/tandem/signal" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestURL(t *testing.T) {
	if got := URL("10.0.0.2:8927"); got != "ws://10.0.0.2:8927/tandem" {
		t.Errorf("unexpected url %s", got)
	}
}
