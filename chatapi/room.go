package chatapi

import (
	"fmt"
	"unicode/utf8"

	"github.com/parley-im/roomsync/internal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const MaxTitleLength = 64

// Room is the metadata of a chat room as returned by GET /chats/{id}.
type Room struct {
	ID        string
	Title     string
	IsPrivate bool
	OwnerID   string
}

func roomFromJSON(r gjson.Result) Room {
	return Room{
		ID:        r.Get("chat_id").Str,
		Title:     r.Get("title").Str,
		IsPrivate: r.Get("is_private").Bool(),
		OwnerID:   r.Get("owner_id").Str,
	}
}

// RoomPatch is a partial update to a room. Nil fields are left unchanged.
type RoomPatch struct {
	Title     *string
	IsPrivate *bool
}

func (p RoomPatch) IsEmpty() bool {
	return p.Title == nil && p.IsPrivate == nil
}

// Validate checks the patch against the server's schema so that obviously bad patches never hit
// the network.
func (p RoomPatch) Validate() error {
	if p.IsEmpty() {
		return internal.NewError(internal.KindValidation, "update room", fmt.Errorf("empty patch"))
	}
	if p.Title != nil {
		n := utf8.RuneCountInString(*p.Title)
		if n < 1 || n > MaxTitleLength {
			return internal.NewError(internal.KindValidation, "update room", fmt.Errorf("title must be 1-%d characters, got %d", MaxTitleLength, n))
		}
	}
	return nil
}

// Apply returns a copy of r with the patch applied.
func (p RoomPatch) Apply(r Room) Room {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.IsPrivate != nil {
		r.IsPrivate = *p.IsPrivate
	}
	return r
}

func (p RoomPatch) body() ([]byte, error) {
	body := []byte(`{}`)
	var err error
	if p.Title != nil {
		if body, err = sjson.SetBytes(body, "title", *p.Title); err != nil {
			return nil, err
		}
	}
	if p.IsPrivate != nil {
		if body, err = sjson.SetBytes(body, "is_private", *p.IsPrivate); err != nil {
			return nil, err
		}
	}
	return body, nil
}
