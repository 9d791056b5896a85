package chatapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parley-im/roomsync/chatapi"
	"github.com/parley-im/roomsync/internal"
	"github.com/parley-im/roomsync/testutils"
)

func newClient(srv *testutils.ChatServer, userID string) *chatapi.HTTPClient {
	return &chatapi.HTTPClient{
		Client:      srv.Client(),
		BaseURL:     srv.URL,
		AccessToken: userID,
	}
}

func TestHistory(t *testing.T) {
	srv := testutils.NewChatServer(t)
	srv.AddRoom(testutils.FakeRoom{
		ID: "r1",
		History: []json.RawMessage{
			testutils.NewMessageRecord(t, "@alice", "alice", "one", testutils.Timestamp(1)),
			testutils.NewEventRecord(t, "joined", "bob", "", testutils.Timestamp(2)),
			testutils.NewMessageRecord(t, "@bob", "bob", "two", testutils.Timestamp(3)),
		},
	})
	client := newClient(srv, "@alice")

	records, err := client.History(context.Background(), "r1", 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Contains(t, string(records[0]), `"one"`)
	require.Contains(t, string(records[2]), `"two"`)

	records, err = client.History(context.Background(), "r1", 0, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestHistoryErrorsAreClassified(t *testing.T) {
	testCases := []struct {
		name       string
		roomID     string
		forceCode  int
		wantKind   internal.ErrorKind
		wantStatus int
	}{
		{name: "missing room", roomID: "nope", wantKind: internal.KindNotFound, wantStatus: 404},
		{name: "forbidden", roomID: "r1", forceCode: 403, wantKind: internal.KindNotFound, wantStatus: 403},
		{name: "malformed id", roomID: "r1", forceCode: 422, wantKind: internal.KindNotFound, wantStatus: 422},
		{name: "server error", roomID: "r1", forceCode: 500, wantKind: internal.KindTransport, wantStatus: 500},
		{name: "bad gateway", roomID: "r1", forceCode: 502, wantKind: internal.KindTransport, wantStatus: 502},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := testutils.NewChatServer(t)
			srv.AddRoom(testutils.FakeRoom{ID: "r1"})
			if tc.forceCode != 0 {
				srv.FailHistory("r1", tc.forceCode)
			}
			_, err := newClient(srv, "@alice").History(context.Background(), tc.roomID, 0, 100)
			require.Error(t, err)
			var ierr *internal.Error
			require.True(t, errors.As(err, &ierr), "error is not an *internal.Error: %v", err)
			require.Equal(t, tc.wantKind, ierr.Kind)
			require.Equal(t, tc.wantStatus, ierr.StatusCode)
		})
	}
}

func TestNetworkErrorIsTransport(t *testing.T) {
	srv := testutils.NewChatServer(t)
	client := newClient(srv, "@alice")
	srv.Close()
	_, err := client.Room(context.Background(), "r1")
	require.ErrorIs(t, err, internal.ErrTransport)
}

func TestJoinedRoomsPaging(t *testing.T) {
	srv := testutils.NewChatServer(t)
	for _, id := range []string{"a", "b", "c"} {
		srv.AddRoom(testutils.FakeRoom{ID: id, Members: map[string]bool{"@alice": true}})
	}
	srv.AddRoom(testutils.FakeRoom{ID: "d"})
	client := newClient(srv, "@alice")

	page, err := client.JoinedRooms(context.Background(), "@alice", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "a", page[0].ID)
	require.Equal(t, "b", page[1].ID)

	page, err = client.JoinedRooms(context.Background(), "@alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "c", page[0].ID)
}

func TestRoomAndUpdateRoom(t *testing.T) {
	srv := testutils.NewChatServer(t)
	srv.AddRoom(testutils.FakeRoom{ID: "r1", Title: "General", OwnerID: "@alice"})
	client := newClient(srv, "@alice")

	room, err := client.Room(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, chatapi.Room{ID: "r1", Title: "General", OwnerID: "@alice"}, *room)

	title := "Random"
	private := true
	room, err = client.UpdateRoom(context.Background(), "r1", chatapi.RoomPatch{Title: &title, IsPrivate: &private})
	require.NoError(t, err)
	require.Equal(t, "Random", room.Title)
	require.True(t, room.IsPrivate)
	require.Equal(t, "Random", srv.Room("r1").Title)

	srv.FailPatch(500)
	_, err = client.UpdateRoom(context.Background(), "r1", chatapi.RoomPatch{Title: &title})
	require.ErrorIs(t, err, internal.ErrTransport)
}

func TestJoinAndLeaveRoom(t *testing.T) {
	srv := testutils.NewChatServer(t)
	srv.AddRoom(testutils.FakeRoom{ID: "open"})
	srv.AddRoom(testutils.FakeRoom{ID: "secret", IsPrivate: true})
	client := newClient(srv, "@alice")
	ctx := context.Background()

	require.NoError(t, client.JoinRoom(ctx, "open"))
	require.True(t, srv.Room("open").Members["@alice"])

	var ierr *internal.Error
	err := client.JoinRoom(ctx, "open")
	require.True(t, errors.As(err, &ierr))
	require.Equal(t, 409, ierr.StatusCode)

	err = client.JoinRoom(ctx, "secret")
	require.ErrorIs(t, err, internal.ErrNotFound)

	require.NoError(t, client.LeaveRoom(ctx, "open"))
	require.False(t, srv.Room("open").Members["@alice"])

	err = client.LeaveRoom(ctx, "open")
	require.True(t, errors.As(err, &ierr))
	require.Equal(t, 400, ierr.StatusCode)
}

func TestRoomPatchValidate(t *testing.T) {
	str := func(s string) *string { return &s }
	testCases := []struct {
		name    string
		patch   chatapi.RoomPatch
		wantErr bool
	}{
		{name: "empty patch", patch: chatapi.RoomPatch{}, wantErr: true},
		{name: "empty title", patch: chatapi.RoomPatch{Title: str("")}, wantErr: true},
		{name: "short title", patch: chatapi.RoomPatch{Title: str("a")}},
		{name: "max length", patch: chatapi.RoomPatch{Title: str(strings.Repeat("x", 64))}},
		{name: "too long", patch: chatapi.RoomPatch{Title: str(strings.Repeat("x", 65))}, wantErr: true},
		{name: "multibyte counts runes", patch: chatapi.RoomPatch{Title: str(strings.Repeat("é", 64))}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.patch.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, internal.ErrValidation)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDeleteRoom(t *testing.T) {
	srv := testutils.NewChatServer(t)
	srv.AddRoom(testutils.FakeRoom{ID: "r1", Title: "General", OwnerID: "@alice"})
	ctx := context.Background()

	err := newClient(srv, "@bob").DeleteRoom(ctx, "r1")
	require.ErrorIs(t, err, internal.ErrNotFound)
	require.Equal(t, 403, err.(*internal.Error).StatusCode)
	require.True(t, srv.HasRoom("r1"))

	require.NoError(t, newClient(srv, "@alice").DeleteRoom(ctx, "r1"))
	require.False(t, srv.HasRoom("r1"))

	err = newClient(srv, "@alice").DeleteRoom(ctx, "r1")
	require.ErrorIs(t, err, internal.ErrNotFound)
	require.Equal(t, 404, err.(*internal.Error).StatusCode)
}
