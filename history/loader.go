package history

import (
	"context"
	"errors"
	"os"

	"github.com/parley-im/roomsync/chatapi"
	"github.com/parley-im/roomsync/internal"
	"github.com/parley-im/roomsync/timeline"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultLimit is the server's default history page size.
const DefaultLimit = 100

// Loader fetches the recent history of a room in one request.
type Loader struct {
	client chatapi.Client
	limit  int
}

func NewLoader(client chatapi.Client, limit int) *Loader {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Loader{
		client: client,
		limit:  limit,
	}
}

// Load returns the room's history as timeline items, oldest first. Records which cannot be
// decoded are dropped. Returns an *internal.Error of kind NotFound if the room does not exist or
// is not accessible, and of kind Transport for everything else.
func (l *Loader) Load(ctx context.Context, roomID string) ([]timeline.Item, error) {
	ctx, span := internal.StartSpan(ctx, "history.Load")
	defer span.End()
	records, err := l.client.History(ctx, roomID, 0, l.limit)
	if err != nil {
		var ierr *internal.Error
		if !errors.As(err, &ierr) {
			err = internal.NewError(internal.KindTransport, "history", err)
		}
		return nil, err
	}
	items := make([]timeline.Item, 0, len(records))
	dropped := 0
	for _, rec := range records {
		item, err := timeline.ItemFromRecord(gjson.ParseBytes(rec))
		if err != nil {
			dropped++
			ev := logger.Warn()
			if errors.Is(err, timeline.ErrUnknownEventType) {
				ev = logger.Debug()
			}
			internal.DecorateLogger(ctx, ev).Err(err).Str("room", roomID).Msg("dropping history record")
			continue
		}
		items = append(items, item)
	}
	span.SetAttributes(
		attribute.Int("records", len(records)),
		attribute.Int("dropped", dropped),
	)
	internal.Logf(ctx, "history", "loaded %d items (%d dropped)", len(items), dropped)
	return items, nil
}
