package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/duocall"
	"github.com/lanikai/duocall/internal/signaling"
)

var (
	flagServer     string
	flagTLS        bool
	flagInsecure   bool
	flagUsername   string
	flagPassword   string
	flagRegister   bool
	flagCall       string
	flagAutoAccept bool
	flagHelp       bool
)

func init() {
	flag.StringVarP(&flagServer, "server", "s", "localhost:4000", "signaling relay address")
	flag.BoolVarP(&flagTLS, "tls", "t", false, "connect to the relay over TLS")
	flag.BoolVarP(&flagInsecure, "insecure", "k", false, "accept a self-signed relay certificate")
	flag.StringVarP(&flagUsername, "username", "u", "", "account username")
	flag.StringVarP(&flagPassword, "password", "p", "", "account password")
	flag.BoolVarP(&flagRegister, "register", "r", false, "register the account before logging in")
	flag.StringVarP(&flagCall, "call", "c", "", "username to call once logged in")
	flag.BoolVarP(&flagAutoAccept, "auto-accept", "a", false, "accept incoming calls without prompting")
	flag.BoolVarP(&flagHelp, "help", "h", false, "show usage")
}

// controller ties relay events to per-call peer connections.
type controller struct {
	client *signaling.Client

	mu    sync.Mutex
	peers map[string]*duocall.PeerConnection // by call id
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagUsername == "" || flagPassword == "" {
		fmt.Fprintln(os.Stderr, "both --username and --password are required")
		os.Exit(1)
	}

	client, err := signaling.Dial(&signaling.Config{
		ServerAddress:      flagServer,
		EnableTLS:          flagTLS,
		InsecureSkipVerify: flagInsecure,
		HeartbeatSeconds:   30,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer client.Shutdown()

	hash := hashPassword(flagPassword)

	if flagRegister {
		resp, err := client.Register(flagUsername, hash)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		if !resp.Success {
			fmt.Fprintf(os.Stderr, "register: %s\n", resp.Error)
			os.Exit(1)
		}
		fmt.Printf("registered %s (%s)\n", flagUsername, resp.UserID)
	}

	login, err := client.Login(flagUsername, hash)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if !login.Success {
		fmt.Fprintf(os.Stderr, "login: %s\n", login.Error)
		os.Exit(1)
	}
	fmt.Printf("logged in as %s\n", login.Username)

	users, err := client.ListUsers()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	for _, u := range users {
		fmt.Printf("  %-20s %s\n", u.Username, u.State)
	}

	ctl := &controller{
		client: client,
		peers:  make(map[string]*duocall.PeerConnection),
	}

	if flagCall != "" {
		target := findUser(users, flagCall)
		if target == nil {
			fmt.Fprintf(os.Stderr, "no such user: %s\n", flagCall)
			os.Exit(1)
		}
		if err := client.RequestCall(target.UserID); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		fmt.Printf("calling %s...\n", target.Username)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			ctl.closeAll()
			return
		case frame, ok := <-client.Events():
			if !ok {
				fmt.Fprintln(os.Stderr, "relay connection lost")
				ctl.closeAll()
				os.Exit(1)
			}
			if err := ctl.handle(frame); err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
			}
		}
	}
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func findUser(users []signaling.UserInfo, username string) *signaling.UserInfo {
	for i := range users {
		if users[i].Username == username {
			return &users[i]
		}
	}
	return nil
}

func (ctl *controller) handle(frame signaling.Frame) error {
	switch frame.Type {
	case signaling.TypeCallNotification:
		var notif signaling.CallNotification
		if err := frame.Decode(&notif); err != nil {
			return err
		}
		if !flagAutoAccept {
			fmt.Printf("declining call from %s (run with --auto-accept to take calls)\n", notif.FromUsername)
			return ctl.client.RespondCall(notif.CallID, false)
		}
		fmt.Printf("incoming call from %s, accepting\n", notif.FromUsername)
		return ctl.client.RespondCall(notif.CallID, true)

	case signaling.TypeCallAccepted:
		var accepted signaling.CallAccepted
		if err := frame.Decode(&accepted); err != nil {
			return err
		}
		fmt.Printf("%s accepted the call\n", accepted.PeerUsername)

		pc, err := ctl.newPeer(accepted.CallID, accepted.PeerUserID)
		if err != nil {
			return err
		}
		offer, err := pc.CreateOffer()
		if err != nil {
			return err
		}
		return ctl.client.SendOffer(accepted.CallID, accepted.PeerUserID, offer)

	case signaling.TypeCallDeclined:
		var declined signaling.CallDeclined
		if err := frame.Decode(&declined); err != nil {
			return err
		}
		fmt.Printf("%s declined the call\n", declined.PeerUsername)
		return nil

	case signaling.TypeSdpOffer:
		var offer signaling.SdpOffer
		if err := frame.Decode(&offer); err != nil {
			return err
		}
		pc, err := ctl.newPeer(offer.CallID, offer.FromUserID)
		if err != nil {
			return err
		}
		answer, err := pc.SetRemoteOffer(offer.SDP)
		if err != nil {
			return err
		}
		if err := ctl.client.SendAnswer(offer.CallID, offer.FromUserID, answer); err != nil {
			return err
		}
		pc.LocalAnswerSent()
		return nil

	case signaling.TypeSdpAnswer:
		var answer signaling.SdpAnswer
		if err := frame.Decode(&answer); err != nil {
			return err
		}
		if pc := ctl.peer(answer.CallID); pc != nil {
			return pc.SetRemoteAnswer(answer.SDP)
		}
		return nil

	case signaling.TypeIceCandidate:
		var cand signaling.IceCandidate
		if err := frame.Decode(&cand); err != nil {
			return err
		}
		if pc := ctl.peer(cand.CallID); pc != nil {
			return pc.AddIceCandidate(cand.Candidate, cand.SdpMid)
		}
		return nil

	case signaling.TypeHangup:
		var hangup signaling.Hangup
		if err := frame.Decode(&hangup); err != nil {
			return err
		}
		fmt.Println("peer hung up")
		ctl.closePeer(hangup.CallID)
		return nil

	case signaling.TypeUserStateUpdate:
		var update signaling.UserStateUpdate
		if err := frame.Decode(&update); err != nil {
			return err
		}
		fmt.Printf("  %-20s %s\n", update.Username, update.State)
		return nil

	case signaling.TypeError:
		var e signaling.ErrorMessage
		if err := frame.Decode(&e); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "relay error: %s (%s)\n", e.Message, e.Code)
		return nil
	}
	return nil
}

// newPeer creates the peer connection for a call and wires candidate
// trickling plus failure-driven hangup.
func (ctl *controller) newPeer(callID, peerUserID string) (*duocall.PeerConnection, error) {
	pc, err := duocall.NewPeerConnection(context.Background(), func(state duocall.State) {
		if state == duocall.Failed {
			fmt.Fprintln(os.Stderr, "call failed")
			ctl.client.SendHangup(callID)
			ctl.closePeer(callID)
		}
	})
	if err != nil {
		return nil, err
	}
	pc.OnIceCandidate = func(desc, mid string) {
		if err := ctl.client.SendCandidate(callID, peerUserID, desc, mid, 0); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
	}

	ctl.mu.Lock()
	ctl.peers[callID] = pc
	ctl.mu.Unlock()
	return pc, nil
}

func (ctl *controller) peer(callID string) *duocall.PeerConnection {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.peers[callID]
}

func (ctl *controller) closePeer(callID string) {
	ctl.mu.Lock()
	pc := ctl.peers[callID]
	delete(ctl.peers, callID)
	ctl.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

func (ctl *controller) closeAll() {
	ctl.mu.Lock()
	peers := ctl.peers
	ctl.peers = make(map[string]*duocall.PeerConnection)
	ctl.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}
