// ABOUTME: Typed normalisation of gateway response and webhook payload shapes
// ABOUTME: Unknown shapes fail closed with ErrUnrecognizedResponse

package evolution

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnrecognizedResponse is returned when a gateway payload matches none of the known shapes.
var ErrUnrecognizedResponse = errors.New("unrecognized gateway response")

// GatewayState is the gateway's own connection vocabulary.
type GatewayState string

const (
	GatewayStateOpen       GatewayState = "open"
	GatewayStateConnecting GatewayState = "connecting"
	GatewayStateClose      GatewayState = "close"
	GatewayStateUnknown    GatewayState = "unknown"
)

// NormalizeState maps a raw state string onto GatewayState.
// Anything outside the known vocabulary is GatewayStateUnknown.
func NormalizeState(s string) GatewayState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "connected":
		return GatewayStateOpen
	case "connecting", "qr", "pairing":
		return GatewayStateConnecting
	case "close", "closed", "disconnected", "logout":
		return GatewayStateClose
	}
	return GatewayStateUnknown
}

// statePayload covers {"instance": {"state": ...}} and {"state": ...}.
type statePayload struct {
	Instance *struct {
		State string `json:"state"`
	} `json:"instance"`
	State string `json:"state"`
}

// ParseState extracts the connection state from a status response.
func ParseState(raw []byte) (GatewayState, error) {
	var p statePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return GatewayStateUnknown, fmt.Errorf("%w: %v", ErrUnrecognizedResponse, err)
	}

	s := p.State
	if p.Instance != nil && p.Instance.State != "" {
		s = p.Instance.State
	}
	if s == "" {
		return GatewayStateUnknown, fmt.Errorf("%w: no state field", ErrUnrecognizedResponse)
	}

	state := NormalizeState(s)
	if state == GatewayStateUnknown {
		return state, fmt.Errorf("%w: state %q", ErrUnrecognizedResponse, s)
	}
	return state, nil
}

// PairingImage is a normalised pairing artifact.
type PairingImage struct {
	// Image is a base64 image (possibly a data URL) or, when the gateway only
	// returned a pairing code, that code.
	Image string
	// Raw is the undecoded response, kept for diagnostics.
	Raw json.RawMessage
}

// pairingPayload covers {"base64": ...}, {"qrcode": {"base64": ...}} and {"code": ...}.
type pairingPayload struct {
	Base64 string `json:"base64"`
	QRCode *struct {
		Base64 string `json:"base64"`
	} `json:"qrcode"`
	Code string `json:"code"`
}

// ParsePairingImage extracts the pairing image from a connect response.
func ParsePairingImage(raw []byte) (PairingImage, error) {
	var p pairingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PairingImage{}, fmt.Errorf("%w: %v", ErrUnrecognizedResponse, err)
	}

	img := PairingImage{Raw: append(json.RawMessage(nil), raw...)}
	switch {
	case p.Base64 != "":
		img.Image = p.Base64
	case p.QRCode != nil && p.QRCode.Base64 != "":
		img.Image = p.QRCode.Base64
	case p.Code != "":
		img.Image = p.Code
	default:
		return PairingImage{}, fmt.Errorf("%w: no pairing image", ErrUnrecognizedResponse)
	}
	return img, nil
}

// Webhook event names as sent by the gateway.
const (
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
	EventMessagesUpsert   = "messages.upsert"
)

// WebhookPayload is a normalised gateway push notification.
type WebhookPayload struct {
	Event    string
	Instance string
	// State is set for connection.update events.
	State GatewayState
	// Phone is the account or remote party number when the payload carries one.
	Phone string
	// Text is the message body for messages.upsert events.
	Text string
}

type rawWebhook struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Sender   string          `json:"sender"`
	Data     json.RawMessage `json:"data"`
}

type rawConnectionData struct {
	State string `json:"state"`
	WUID  string `json:"wuid"`
}

type rawMessageData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
	} `json:"key"`
	Message struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
	} `json:"message"`
}

// ParseWebhook decodes a gateway push notification. Event names are
// normalised to lower-case dotted form ("CONNECTION_UPDATE" -> "connection.update").
func ParseWebhook(raw []byte) (WebhookPayload, error) {
	var w rawWebhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return WebhookPayload{}, fmt.Errorf("%w: %v", ErrUnrecognizedResponse, err)
	}
	if w.Event == "" {
		return WebhookPayload{}, fmt.Errorf("%w: missing event", ErrUnrecognizedResponse)
	}

	p := WebhookPayload{
		Event:    strings.ReplaceAll(strings.ToLower(w.Event), "_", "."),
		Instance: w.Instance,
		Phone:    jidPhone(w.Sender),
	}

	switch p.Event {
	case EventConnectionUpdate:
		var d rawConnectionData
		if err := json.Unmarshal(w.Data, &d); err != nil || d.State == "" {
			return p, fmt.Errorf("%w: connection.update without state", ErrUnrecognizedResponse)
		}
		p.State = NormalizeState(d.State)
		if d.WUID != "" {
			p.Phone = jidPhone(d.WUID)
		}
	case EventMessagesUpsert:
		var d rawMessageData
		if len(w.Data) > 0 && json.Unmarshal(w.Data, &d) == nil {
			p.Text = d.Message.Conversation
			if p.Text == "" {
				p.Text = d.Message.ExtendedTextMessage.Text
			}
			if d.Key.RemoteJID != "" {
				p.Phone = jidPhone(d.Key.RemoteJID)
			}
		}
	}

	return p, nil
}

// jidPhone strips the "@s.whatsapp.net" style suffix and device part from a JID.
func jidPhone(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}
