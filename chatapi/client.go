package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/parley-im/roomsync/internal"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version = ""

// Client is the subset of the chat REST API which a conversation session needs.
type Client interface {
	// History returns raw history records for the room, oldest first.
	History(ctx context.Context, roomID string, offset, limit int) ([]json.RawMessage, error)
	// JoinedRooms returns one page of the rooms userID is a member of.
	JoinedRooms(ctx context.Context, userID string, offset, limit int) ([]Room, error)
	Room(ctx context.Context, roomID string) (*Room, error)
	// UpdateRoom and DeleteRoom are refused with 403 unless the user owns the room.
	UpdateRoom(ctx context.Context, roomID string, patch RoomPatch) (*Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
	// JoinRoom returns an *internal.Error with StatusCode 409 if the user is already a member.
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
}

// HTTPClient talks to the chat server over HTTP.
// One client is shared by every session of a process.
type HTTPClient struct {
	Client      *http.Client
	BaseURL     string
	AccessToken string
}

func (c *HTTPClient) History(ctx context.Context, roomID string, offset, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.do(ctx, "history", "GET", "/chats/"+url.PathEscape(roomID)+"/history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return nil, internal.NewError(internal.KindTransport, "history", fmt.Errorf("response is not an array"))
	}
	records := make([]json.RawMessage, 0, len(res.Array()))
	res.ForEach(func(_, value gjson.Result) bool {
		records = append(records, json.RawMessage(value.Raw))
		return true
	})
	return records, nil
}

func (c *HTTPClient) JoinedRooms(ctx context.Context, userID string, offset, limit int) ([]Room, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.do(ctx, "joined rooms", "GET", "/chats/user?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return nil, internal.NewError(internal.KindTransport, "joined rooms", fmt.Errorf("response is not an array"))
	}
	var rooms []Room
	res.ForEach(func(_, value gjson.Result) bool {
		rooms = append(rooms, roomFromJSON(value))
		return true
	})
	return rooms, nil
}

func (c *HTTPClient) Room(ctx context.Context, roomID string) (*Room, error) {
	body, err := c.do(ctx, "room", "GET", "/chats/"+url.PathEscape(roomID), nil)
	if err != nil {
		return nil, err
	}
	room := roomFromJSON(gjson.ParseBytes(body))
	return &room, nil
}

func (c *HTTPClient) UpdateRoom(ctx context.Context, roomID string, patch RoomPatch) (*Room, error) {
	reqBody, err := patch.body()
	if err != nil {
		return nil, internal.NewError(internal.KindValidation, "update room", err)
	}
	body, err := c.do(ctx, "update room", "PATCH", "/chats/"+url.PathEscape(roomID), reqBody)
	if err != nil {
		return nil, err
	}
	room := roomFromJSON(gjson.ParseBytes(body))
	return &room, nil
}

func (c *HTTPClient) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, "delete room", "DELETE", "/chats/"+url.PathEscape(roomID), nil)
	return err
}

func (c *HTTPClient) JoinRoom(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, "join", "POST", "/chats/"+url.PathEscape(roomID)+"/join", nil)
	return err
}

func (c *HTTPClient) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, "leave", "DELETE", "/chats/"+url.PathEscape(roomID)+"/leave", nil)
	return err
}

// do performs the request and returns the body of a 2xx response. All errors are *internal.Error.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, reqBody []byte) ([]byte, error) {
	var r io.Reader
	if reqBody != nil {
		r = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, internal.NewError(internal.KindTransport, op, fmt.Errorf("NewRequest failed: %w", err))
	}
	req.Header.Set("User-Agent", "roomsync-"+Version)
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, internal.NewError(internal.KindTransport, op, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, internal.NewError(internal.KindTransport, op, fmt.Errorf("failed to read response body: %w", err))
	}
	logger.Trace().Str("op", op).Str("method", method).Str("path", path).Int("status", res.StatusCode).Msg("chat API request")
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, internal.StatusError(op, res.StatusCode, gjson.GetBytes(body, "detail").Str)
	}
	return body, nil
}
