package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Bridge fronts the binary relay protocol with a local websocket endpoint,
// so a browser page can act as this user's signaling surface during
// development. One browser connection at a time; the bridge simply mirrors
// relay push messages out and maps a small JSON command set in.
type Bridge struct {
	client *Client
	server *http.Server
}

// bridgeMessage is the JSON envelope exchanged with the browser.
type bridgeMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewBridge wraps an already-authenticated Client with a websocket server
// on addr (e.g. ":8000").
func NewBridge(client *Client, addr string) *Bridge {
	router := http.NewServeMux()
	b := &Bridge{
		client: client,
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
	}
	router.HandleFunc("/ws", b.handleWebsocket)
	return b
}

// Listen serves the websocket endpoint. Blocks until Shutdown or error.
func (b *Bridge) Listen() error {
	fmt.Printf("Open ws://localhost%s/ws to drive signaling from a browser\n", b.server.Addr)
	return b.server.ListenAndServe()
}

// Shutdown stops the websocket server.
func (b *Bridge) Shutdown() error {
	return b.server.Shutdown(context.Background())
}

func (b *Bridge) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := new(websocket.Upgrader).Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()

	done := make(chan struct{})

	// Relay push messages -> browser.
	go func() {
		defer close(done)
		for frame := range b.client.Events() {
			msg := bridgeMessage{
				Type:    frame.Type.String(),
				Payload: json.RawMessage(frame.Payload),
			}
			if err := ws.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	// Browser commands -> relay.
	for {
		var msg bridgeMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		if err := b.dispatch(msg); err != nil {
			log.Warn("bridge: %s: %v", msg.Type, err)
			ws.WriteJSON(bridgeMessage{
				Type:    "Error",
				Payload: json.RawMessage(fmt.Sprintf(`{"message":%q}`, err.Error())),
			})
		}
	}
	<-done
}

func (b *Bridge) dispatch(msg bridgeMessage) error {
	switch msg.Type {
	case "CallRequest":
		var req CallRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		return b.client.RequestCall(req.ToUserID)

	case "CallResponse":
		var resp CallResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return err
		}
		return b.client.RespondCall(resp.CallID, resp.Accepted)

	case "SdpOffer":
		var offer SdpOffer
		if err := json.Unmarshal(msg.Payload, &offer); err != nil {
			return err
		}
		return b.client.SendOffer(offer.CallID, offer.ToUserID, offer.SDP)

	case "SdpAnswer":
		var answer SdpAnswer
		if err := json.Unmarshal(msg.Payload, &answer); err != nil {
			return err
		}
		return b.client.SendAnswer(answer.CallID, answer.ToUserID, answer.SDP)

	case "IceCandidate":
		var cand IceCandidate
		if err := json.Unmarshal(msg.Payload, &cand); err != nil {
			return err
		}
		return b.client.SendCandidate(cand.CallID, cand.ToUserID, cand.Candidate, cand.SdpMid, cand.SdpMlineIndex)

	case "Hangup":
		var hangup Hangup
		if err := json.Unmarshal(msg.Payload, &hangup); err != nil {
			return err
		}
		return b.client.SendHangup(hangup.CallID)

	default:
		return fmt.Errorf("unsupported command %q", msg.Type)
	}
}
