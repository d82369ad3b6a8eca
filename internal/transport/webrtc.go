// ABOUTME: Peer-to-peer links over WebRTC data channels
// ABOUTME: Offers and answers travel once over a short-lived WebSocket to the host
package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const (
	// SignalPath is where hosts accept WebRTC offers
	SignalPath = "/tandem/signal"

	dataChannelLabel = "tandem"
	gatherTimeout    = 10 * time.Second
)

// newPeerConnection creates a connection for LAN use: no STUN, and
// loopback candidates so two peers on one machine can reach each other
func newPeerConnection() (*webrtc.PeerConnection, error) {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(webrtc.Configuration{})
}

// gather waits for ICE gathering so the description carries every candidate
func gather(ctx context.Context, pc *webrtc.PeerConnection) error {
	done := webrtc.GatheringCompletePromise(pc)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(gatherTimeout):
		return fmt.Errorf("ICE gathering: %w", ErrConnectionTimeout)
	}
}

// DialWebRTC opens a data channel to the host behind signalURL. The returned
// channel is open and the handler has already seen OnOpen.
func DialWebRTC(ctx context.Context, signalURL string, handler Handler) (Channel, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("data channel: %w", err)
	}

	opened := make(chan struct{})
	ch := newDataChannel(dc, pc, handler, opened)

	if err := offer(ctx, pc, signalURL); err != nil {
		ch.Close()
		return nil, err
	}

	select {
	case <-opened:
		return ch, nil
	case <-ctx.Done():
		ch.Close()
		return nil, fmt.Errorf("data channel open: %w", ErrConnectionTimeout)
	}
}

// offer runs the guest side of signaling
func offer(ctx context.Context, pc *webrtc.PeerConnection, signalURL string) error {
	sdp, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := gather(ctx, pc); err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, signalURL, nil)
	if err != nil {
		return fmt.Errorf("signal dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(2 * gatherTimeout))
	}

	if err := conn.WriteJSON(pc.LocalDescription()); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	var remote webrtc.SessionDescription
	if err := conn.ReadJSON(&remote); err != nil {
		return fmt.Errorf("read answer: %w", err)
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// handleSignal runs the host side: one offer in, one answer out. The data
// channel the guest opened is delivered to the server's handler.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Signal upgrade error: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * gatherTimeout))

	var remote webrtc.SessionDescription
	if err := conn.ReadJSON(&remote); err != nil {
		log.Printf("Failed to read offer from %s: %v", r.RemoteAddr, err)
		return
	}

	pc, err := newPeerConnection()
	if err != nil {
		log.Printf("Failed to create peer connection: %v", err)
		return
	}

	// replaced once the data channel arrives
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			go pc.Close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			log.Printf("Ignoring data channel %q from %s", dc.Label(), r.RemoteAddr)
			return
		}
		newDataChannel(dc, pc, s.handler, nil)
	})

	if err := answer(r.Context(), pc, remote); err != nil {
		log.Printf("Signaling with %s failed: %v", r.RemoteAddr, err)
		pc.Close()
		return
	}

	if err := conn.WriteJSON(pc.LocalDescription()); err != nil {
		log.Printf("Failed to send answer to %s: %v", r.RemoteAddr, err)
		pc.Close()
		return
	}

	log.Printf("Peer link negotiated with %s", r.RemoteAddr)
}

func answer(ctx context.Context, pc *webrtc.PeerConnection, remote webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	sdp, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return gather(ctx, pc)
}

// SignalURL builds the signaling URL for a host address
func SignalURL(hostAddr string) string {
	return "ws://" + hostAddr + SignalPath
}
