package sdp

import (
	"strconv"
	"strings"

	errors "golang.org/x/xerrors"
)

// Required media-level attributes for the single m=video section this
// system negotiates (RFC 8122 fingerprint, RFC 5245 ice-ufrag/pwd, RFC 4145
// setup, plus the rtpmap/direction pair the spec fixes at payload type 96).
var requiredMediaAttrs = []string{"ice-ufrag", "ice-pwd", "fingerprint", "setup"}

// Validate checks that s carries every session- and media-level attribute
// required of an offer or answer: v=0/o=/s=/t= at the session level, and on
// the single m=video section an rtpmap:96 H264/90000 entry, a direction
// attribute, ice-ufrag/ice-pwd, at least one candidate line, and a
// fingerprint/setup pair.
func (s *Session) Validate() error {
	if s.Name == "" {
		return errors.New("sdp: missing s= session name")
	}
	if s.Origin.Username == "" {
		return errors.New("sdp: missing o= origin")
	}
	if len(s.Time) == 0 {
		return errors.New("sdp: missing t= timing line")
	}
	if len(s.Media) != 1 || s.Media[0].Type != "video" {
		return errors.New("sdp: expected exactly one m=video section")
	}

	m := &s.Media[0]
	if !hasRtpmap96H264(m) {
		return errors.New("sdp: missing a=rtpmap:96 H264/90000")
	}
	if m.GetAttr("sendrecv") == "" && m.GetAttr("sendonly") == "" && m.GetAttr("recvonly") == "" {
		return errors.New("sdp: missing media direction attribute")
	}
	for _, key := range requiredMediaAttrs {
		if m.GetAttr(key) == "" {
			return errors.Errorf("sdp: missing a=%s", key)
		}
	}
	if !strings.HasPrefix(m.GetAttr("fingerprint"), "sha-256 ") {
		return errors.New("sdp: fingerprint must use sha-256")
	}
	if err := validateSetup(m.GetAttr("setup")); err != nil {
		return err
	}

	hasCandidate := false
	for _, a := range m.Attributes {
		if a.Key == "candidate" {
			hasCandidate = true
			break
		}
	}
	if !hasCandidate {
		return errors.New("sdp: missing a=candidate line")
	}
	return nil
}

func hasRtpmap96H264(m *Media) bool {
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) != 2 {
			continue
		}
		pt, err := strconv.Atoi(fields[0])
		if err == nil && pt == 96 && fields[1] == "H264/90000" {
			return true
		}
	}
	return false
}

func validateSetup(role string) error {
	switch role {
	case "active", "passive", "actpass":
		return nil
	default:
		return errors.Errorf("sdp: invalid a=setup role %q", role)
	}
}

// AnswerSetupRole returns the setup role an answerer should use given the
// offerer's role, per RFC 5763 §5: actpass lets the answerer choose (we
// choose active), active must be answered with passive, and passive must be
// answered with active.
func AnswerSetupRole(offererRole string) (string, error) {
	switch offererRole {
	case "actpass":
		return "active", nil
	case "active":
		return "passive", nil
	case "passive":
		return "active", nil
	default:
		return "", errors.Errorf("sdp: invalid offer setup role %q", offererRole)
	}
}
