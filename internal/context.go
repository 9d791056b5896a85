package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "roomsync_data"
)

// logging metadata for a single session operation
type data struct {
	userID string
	roomID string
	epoch  int64
	op     string
}

// prepare an operation context so it can contain roomsync info
func OperationContext(ctx context.Context, op string) context.Context {
	d := &data{
		epoch: -1,
		op:    op,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the user ID to this context. Need to have called OperationContext first.
func SetContextUserID(ctx context.Context, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
}

// add the room and the room epoch to this context. Need to have called OperationContext first.
func SetContextRoom(ctx context.Context, roomID string, epoch int64) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.roomID = roomID
	da.epoch = epoch
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.op != "" {
		l = l.Str("op", da.op)
	}
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.roomID != "" {
		l = l.Str("r", da.roomID)
	}
	if da.epoch >= 0 {
		l = l.Int64("e", da.epoch)
	}
	return l
}
