package membership

import (
	"context"
	"os"

	"github.com/parley-im/roomsync/chatapi"
	"github.com/parley-im/roomsync/internal"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const DefaultPageSize = 100

// Tracker answers "is this user a member of this room" from the user's joined room list.
type Tracker struct {
	client   chatapi.Client
	pageSize int
}

func NewTracker(client chatapi.Client, pageSize int) *Tracker {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Tracker{
		client:   client,
		pageSize: pageSize,
	}
}

// IsMember pages through the rooms userID has joined until roomID is found or the list runs out.
// Fails closed: any error means not a member.
func (t *Tracker) IsMember(ctx context.Context, roomID, userID string) bool {
	if roomID == "" || userID == "" {
		return false
	}
	ctx, span := internal.StartSpan(ctx, "membership.IsMember")
	defer span.End()
	for offset := 0; ; offset += t.pageSize {
		rooms, err := t.client.JoinedRooms(ctx, userID, offset, t.pageSize)
		if err != nil {
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).Str("room", roomID).Msg("membership lookup failed, assuming not a member")
			return false
		}
		for _, r := range rooms {
			if r.ID == roomID {
				return true
			}
		}
		if len(rooms) < t.pageSize {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
	}
}
