// ABOUTME: Matrix room mirror for alert texts
// ABOUTME: Plain m.text messages via mautrix; no encryption or sync loop

package alert

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// MatrixMirror posts alert texts into one Matrix room.
type MatrixMirror struct {
	client *mautrix.Client
	roomID id.RoomID
}

// NewMatrixMirror logs in with an existing access token. No network call is
// made until the first Mirror.
func NewMatrixMirror(homeserver, userID, accessToken, roomID string) (*MatrixMirror, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixMirror{client: client, roomID: id.RoomID(roomID)}, nil
}

// Mirror sends text to the room.
func (m *MatrixMirror) Mirror(ctx context.Context, text string) error {
	if _, err := m.client.SendText(ctx, m.roomID, text); err != nil {
		return fmt.Errorf("sending to matrix room %s: %w", m.roomID, err)
	}
	return nil
}
