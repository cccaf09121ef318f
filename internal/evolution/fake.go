// ABOUTME: In-memory Gateway implementation for tests
// ABOUTME: Scriptable states, per-call error injection and a record of sent texts

package evolution

import (
	"context"
	"fmt"
	"sync"
)

// SentText records one SendText call on a Fake.
type SentText struct {
	Session string
	Phone   string
	Text    string
}

// Fake is an in-memory Gateway for tests.
type Fake struct {
	mu sync.Mutex

	sessions map[string]bool
	states   map[string]GatewayState
	webhooks map[string]string
	images   int

	// Injected failures. StatusErr is keyed by session name.
	CreateErr   error
	WebhookErr  error
	PairingErr  error
	TeardownErr error
	SendErr     error
	StatusErr   map[string]error

	// PairingImage, when set, is returned instead of a generated image.
	PairingImage string

	Sent        []SentText
	StatusCalls int
	Teardowns   []string
}

// NewFake creates an empty Fake gateway.
func NewFake() *Fake {
	return &Fake{
		sessions:  make(map[string]bool),
		states:    make(map[string]GatewayState),
		webhooks:  make(map[string]string),
		StatusErr: make(map[string]error),
	}
}

// SetState scripts the state QueryStatus reports for name.
func (f *Fake) SetState(name string, state GatewayState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = state
}

// SetStatusErr scripts a QueryStatus failure for name. A nil err clears it.
func (f *Fake) SetStatusErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.StatusErr, name)
		return
	}
	f.StatusErr[name] = err
}

// AddExisting marks name as already allocated on the gateway.
func (f *Fake) AddExisting(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
}

// Webhook returns the URL registered for name.
func (f *Fake) Webhook(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.webhooks[name]
}

// SentTexts returns a copy of the recorded SendText calls.
func (f *Fake) SentTexts() []SentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentText(nil), f.Sent...)
}

func (f *Fake) CreateSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return false, f.CreateErr
	}
	if f.sessions[name] {
		return true, nil
	}
	f.sessions[name] = true
	if _, ok := f.states[name]; !ok {
		f.states[name] = GatewayStateConnecting
	}
	return false, nil
}

func (f *Fake) RegisterWebhook(ctx context.Context, name, targetURL string, events []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WebhookErr != nil {
		return f.WebhookErr
	}
	f.webhooks[name] = targetURL
	return nil
}

func (f *Fake) RequestPairingImage(ctx context.Context, name string) (PairingImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PairingErr != nil {
		return PairingImage{}, f.PairingErr
	}
	f.images++
	img := f.PairingImage
	if img == "" {
		img = fmt.Sprintf("data:image/png;base64,cGFpcg%d", f.images)
	}
	return PairingImage{Image: img}, nil
}

func (f *Fake) QueryStatus(ctx context.Context, name string) (GatewayState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if err := f.StatusErr[name]; err != nil {
		return GatewayStateUnknown, err
	}
	if s, ok := f.states[name]; ok {
		return s, nil
	}
	return GatewayStateClose, nil
}

func (f *Fake) Teardown(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Teardowns = append(f.Teardowns, name)
	if f.TeardownErr != nil {
		return f.TeardownErr
	}
	delete(f.sessions, name)
	f.states[name] = GatewayStateClose
	return nil
}

func (f *Fake) SendText(ctx context.Context, name, phone, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, SentText{Session: name, Phone: phone, Text: text})
	return nil
}

// Ensure Fake implements Gateway
var _ Gateway = (*Fake)(nil)
