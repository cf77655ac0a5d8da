// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parley-chat/parley/wire"
)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before giving up on the peer.
const iceGatherTimeout = 15 * time.Second

// WebRTCConfig holds the parameters for the production media factory.
type WebRTCConfig struct {
	// ICEServers configure STUN/TURN. Empty means host candidates
	// only.
	ICEServers []webrtc.ICEServer

	// Logger receives negotiation diagnostics. Nil discards.
	Logger *slog.Logger
}

// NewWebRTCFactory returns the production MediaFactory on pion.
// Negotiation uses vanilla ICE: all candidates are gathered before the
// local description is handed to OnSignal, so each side signals
// exactly once.
func NewWebRTCFactory(cfg WebRTCConfig) MediaFactory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return func(ctx context.Context, mc MediaConfig) (MediaPeer, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, fmt.Errorf("call: creating peer connection: %w", err)
		}

		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
			pc.Close()
			return nil, fmt.Errorf("call: adding audio transceiver: %w", err)
		}
		if mc.Kind == wire.CallKindVideo {
			if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
				pc.Close()
				return nil, fmt.Errorf("call: adding video transceiver: %w", err)
			}
		}

		peer := &webrtcPeer{pc: pc, logger: logger}

		// Live media is reported once, whichever arrives first: a
		// remote track or the ICE layer reaching Connected.
		live := func() {
			peer.streamOnce.Do(func() {
				if mc.OnStream != nil {
					mc.OnStream()
				}
			})
		}
		pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) { live() })
		pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
			switch state {
			case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
				live()
			case webrtc.ICEConnectionStateFailed:
				if mc.OnError != nil {
					mc.OnError(fmt.Errorf("call: ICE connection failed"))
				}
			}
		})

		go peer.negotiate(ctx, mc)
		return peer, nil
	}
}

// webrtcPeer adapts a pion PeerConnection to the MediaPeer interface.
type webrtcPeer struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	streamOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

var _ MediaPeer = (*webrtcPeer)(nil)

// negotiate produces this side's complete local description and hands
// it to OnSignal. Runs in its own goroutine: gathering blocks.
func (p *webrtcPeer) negotiate(ctx context.Context, mc MediaConfig) {
	fail := func(err error) {
		p.logger.Warn("media negotiation failed", "error", err)
		if mc.OnError != nil {
			mc.OnError(err)
		}
	}

	var description webrtc.SessionDescription
	var err error
	if mc.Role == RoleReceiver {
		var remote webrtc.SessionDescription
		if err := json.Unmarshal(mc.RemoteSignal, &remote); err != nil {
			fail(fmt.Errorf("call: parsing caller offer: %w", err))
			return
		}
		if err := p.pc.SetRemoteDescription(remote); err != nil {
			fail(fmt.Errorf("call: applying caller offer: %w", err))
			return
		}
		description, err = p.pc.CreateAnswer(nil)
		if err != nil {
			fail(fmt.Errorf("call: creating answer: %w", err))
			return
		}
	} else {
		description, err = p.pc.CreateOffer(nil)
		if err != nil {
			fail(fmt.Errorf("call: creating offer: %w", err))
			return
		}
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(description); err != nil {
		fail(fmt.Errorf("call: setting local description: %w", err))
		return
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		fail(fmt.Errorf("call: ICE gathering timed out after %s", iceGatherTimeout))
		return
	case <-ctx.Done():
		return
	}

	payload, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		fail(fmt.Errorf("call: encoding local description: %w", err))
		return
	}
	if mc.OnSignal != nil {
		mc.OnSignal(payload)
	}
}

// Signal feeds a remote payload: a session description (the usual
// vanilla-ICE case) or a lone trickled candidate from peers that
// signal incrementally.
func (p *webrtcPeer) Signal(payload wire.SignalPayload) error {
	var description webrtc.SessionDescription
	if err := json.Unmarshal(payload, &description); err == nil && description.SDP != "" {
		if err := p.pc.SetRemoteDescription(description); err != nil {
			return fmt.Errorf("call: applying remote description: %w", err)
		}
		return nil
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err == nil && candidate.Candidate != "" {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("call: adding remote candidate: %w", err)
		}
		return nil
	}
	return fmt.Errorf("call: unrecognized signal payload")
}

// Close stops every outbound track and releases the connection. Safe
// to call more than once.
func (p *webrtcPeer) Close() error {
	p.closeOnce.Do(func() {
		for _, sender := range p.pc.GetSenders() {
			if err := sender.Stop(); err != nil {
				p.logger.Warn("stopping media sender failed", "error", err)
			}
		}
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
