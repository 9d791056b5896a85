package testutils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FakeRoom is the server-side state of one chat in a ChatServer.
type FakeRoom struct {
	ID        string
	Title     string
	IsPrivate bool
	OwnerID   string
	History   []json.RawMessage
	Members   map[string]bool
}

func (r *FakeRoom) json() map[string]interface{} {
	return map[string]interface{}{
		"chat_id":    r.ID,
		"title":      r.Title,
		"is_private": r.IsPrivate,
		"owner_id":   r.OwnerID,
	}
}

// ChatServer is an in-process fake of the chat backend: the REST endpoints the client uses and
// the websocket live channel. Bearer tokens are user IDs.
type ChatServer struct {
	*httptest.Server
	t *testing.T

	mu        sync.Mutex
	rooms     map[string]*FakeRoom
	usernames map[string]string
	// room ID -> forced HTTP status for the history endpoint
	historyStatus map[string]int
	// room ID -> delay before the history endpoint responds
	historyDelay map[string]time.Duration
	patchStatus  int
	sockets      []*fakeSocket
	msgCounter   int
	echoToSender bool
	stripTxnID   bool

	// Frames received from clients, in order.
	Received chan json.RawMessage

	upgrader websocket.Upgrader
}

type fakeSocket struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
	roomID string
}

func (s *fakeSocket) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *fakeSocket) room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func NewChatServer(t *testing.T) *ChatServer {
	t.Helper()
	cs := &ChatServer{
		t:             t,
		rooms:         make(map[string]*FakeRoom),
		usernames:     make(map[string]string),
		historyStatus: make(map[string]int),
		historyDelay:  make(map[string]time.Duration),
		echoToSender:  true,
		Received:      make(chan json.RawMessage, 100),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r := mux.NewRouter()
	// must be registered before /chats/{chatID}
	r.HandleFunc("/chats/user", cs.handleJoinedChats).Methods("GET")
	r.HandleFunc("/chats/{chatID}", cs.handleGetChat).Methods("GET")
	r.HandleFunc("/chats/{chatID}", cs.handlePatchChat).Methods("PATCH")
	r.HandleFunc("/chats/{chatID}", cs.handleDeleteChat).Methods("DELETE")
	r.HandleFunc("/chats/{chatID}/history", cs.handleHistory).Methods("GET")
	r.HandleFunc("/chats/{chatID}/join", cs.handleJoin).Methods("POST")
	r.HandleFunc("/chats/{chatID}/leave", cs.handleLeave).Methods("DELETE")
	r.HandleFunc("/ws", cs.handleWebsocket)
	cs.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		cs.DropConnections()
		cs.Close()
	})
	return cs
}

// WSURL is the websocket URL of the live channel.
func (s *ChatServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *ChatServer) AddUser(userID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usernames[userID] = username
}

func (s *ChatServer) AddRoom(room FakeRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.Members == nil {
		room.Members = make(map[string]bool)
	}
	s.rooms[room.ID] = &room
}

// SetMember adds or removes userID from the room without emitting an event.
func (s *ChatServer) SetMember(roomID, userID string, member bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID].Members[userID] = member
}

// SetEchoToSender controls whether message frames are echoed back to the sending socket. The real
// server skips the sender; the client is expected to cope with both behaviours. Defaults to true.
func (s *ChatServer) SetEchoToSender(echo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoToSender = echo
}

// SetStripTxnID makes relayed messages omit the client's txn_id, like the real server.
func (s *ChatServer) SetStripTxnID(strip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stripTxnID = strip
}

func (s *ChatServer) FailHistory(roomID string, statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyStatus[roomID] = statusCode
}

func (s *ChatServer) DelayHistory(roomID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyDelay[roomID] = d
}

func (s *ChatServer) FailPatch(statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchStatus = statusCode
}

func (s *ChatServer) Room(roomID string) FakeRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rooms[roomID]
}

// HasRoom returns false once the room has been deleted.
func (s *ChatServer) HasRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Broadcast sends a frame to every socket which has joined roomID.
func (s *ChatServer) Broadcast(roomID string, frame json.RawMessage) {
	s.mu.Lock()
	sockets := append([]*fakeSocket{}, s.sockets...)
	s.mu.Unlock()
	for _, sock := range sockets {
		if sock.room() != roomID {
			continue
		}
		if err := sock.write(frame); err != nil {
			s.t.Logf("ChatServer: failed to broadcast to %s: %s", sock.userID, err)
		}
	}
}

// DropConnections closes every websocket, simulating a network failure.
func (s *ChatServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sock := range s.sockets {
		sock.conn.Close()
	}
	s.sockets = nil
}

// WaitForFrame blocks until a frame of the given type is received from a client.
func (s *ChatServer) WaitForFrame(t *testing.T, frameType string) gjson.Result {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame := <-s.Received:
			r := gjson.ParseBytes(frame)
			if r.Get("type").Str == frameType {
				return r
			}
		case <-timeout:
			t.Fatalf("WaitForFrame: timed out waiting for a %s frame", frameType)
			return gjson.Result{}
		}
	}
}

func userFromRequest(req *http.Request) string {
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func queryInt(req *http.Request, key string, def int) int {
	v, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func (s *ChatServer) handleJoinedChats(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("user_id")
	offset := queryInt(req, "offset", 0)
	limit := queryInt(req, "limit", 100)
	s.mu.Lock()
	var joined []map[string]interface{}
	for _, room := range s.rooms {
		if room.Members[userID] {
			joined = append(joined, room.json())
		}
	}
	s.mu.Unlock()
	// stable order for paging
	sort.Slice(joined, func(i, j int) bool {
		return joined[i]["chat_id"].(string) < joined[j]["chat_id"].(string)
	})
	page := []map[string]interface{}{}
	for i := offset; i < len(joined) && i < offset+limit; i++ {
		page = append(page, joined[i])
	}
	writeJSON(w, 200, page)
}

func (s *ChatServer) handleGetChat(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	room, ok := s.rooms[mux.Vars(req)["chatID"]]
	var body map[string]interface{}
	if ok {
		body = room.json()
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, 404, "Chat not found")
		return
	}
	writeJSON(w, 200, body)
}

// ownedRoom returns the room if it exists and userID may change it. Rooms without an owner can be
// changed by anyone. Must hold mu.
func (s *ChatServer) ownedRoom(w http.ResponseWriter, req *http.Request) *FakeRoom {
	room, ok := s.rooms[mux.Vars(req)["chatID"]]
	if !ok {
		writeDetail(w, 404, "Chat not found")
		return nil
	}
	if room.OwnerID != "" && room.OwnerID != userFromRequest(req) {
		writeDetail(w, 403, "not the owner of this chat")
		return nil
	}
	return room
}

func (s *ChatServer) handlePatchChat(w http.ResponseWriter, req *http.Request) {
	b, _ := io.ReadAll(req.Body)
	patch := gjson.ParseBytes(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patchStatus != 0 {
		writeDetail(w, s.patchStatus, "patch refused")
		return
	}
	room := s.ownedRoom(w, req)
	if room == nil {
		return
	}
	if t := patch.Get("title"); t.Exists() {
		room.Title = t.Str
	}
	if p := patch.Get("is_private"); p.Exists() {
		room.IsPrivate = p.Bool()
	}
	writeJSON(w, 200, room.json())
}

func (s *ChatServer) handleDeleteChat(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.ownedRoom(w, req)
	if room == nil {
		return
	}
	delete(s.rooms, room.ID)
	writeDetail(w, 200, "Successfully deleted chat")
}

func (s *ChatServer) handleHistory(w http.ResponseWriter, req *http.Request) {
	roomID := mux.Vars(req)["chatID"]
	s.mu.Lock()
	status := s.historyStatus[roomID]
	delay := s.historyDelay[roomID]
	room, ok := s.rooms[roomID]
	var history []json.RawMessage
	if ok {
		history = append(history, room.History...)
	}
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return
		}
	}
	if status != 0 {
		writeDetail(w, status, "forced failure")
		return
	}
	if !ok {
		writeDetail(w, 404, "Chat not found")
		return
	}
	limit := queryInt(req, "limit", 100)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	if history == nil {
		history = []json.RawMessage{}
	}
	writeJSON(w, 200, history)
}

func (s *ChatServer) handleJoin(w http.ResponseWriter, req *http.Request) {
	userID := userFromRequest(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[mux.Vars(req)["chatID"]]
	if !ok {
		writeDetail(w, 404, "Chat not found")
		return
	}
	if room.Members[userID] {
		writeDetail(w, 409, "already in chat")
		return
	}
	if room.IsPrivate {
		writeDetail(w, 403, "Chat is private")
		return
	}
	room.Members[userID] = true
	writeDetail(w, 201, "Successfully joined chat")
}

func (s *ChatServer) handleLeave(w http.ResponseWriter, req *http.Request) {
	userID := userFromRequest(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[mux.Vars(req)["chatID"]]
	if !ok {
		writeDetail(w, 404, "Chat not found")
		return
	}
	if !room.Members[userID] {
		writeDetail(w, 400, "failed to leave chat")
		return
	}
	delete(room.Members, userID)
	writeDetail(w, 200, "Successfully left chat")
}

func (s *ChatServer) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return // Upgrade has already written the HTTP error
	}
	sock := &fakeSocket{
		conn:   conn,
		userID: userFromRequest(req),
	}
	s.mu.Lock()
	s.sockets = append(s.sockets, sock)
	s.mu.Unlock()
	go s.readLoop(sock)
}

func (s *ChatServer) readLoop(sock *fakeSocket) {
	defer sock.conn.Close()
	for {
		_, frame, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}
		r := gjson.ParseBytes(frame)
		switch r.Get("type").Str {
		case "join":
			sock.mu.Lock()
			sock.roomID = r.Get("chat_id").Str
			sock.mu.Unlock()
		case "leave":
			sock.mu.Lock()
			if sock.roomID == r.Get("chat_id").Str {
				sock.roomID = ""
			}
			sock.mu.Unlock()
		case "message":
			s.relayMessage(sock, r)
		}
		// after handling, so a test which sees the frame can rely on its effects
		select {
		case s.Received <- frame:
		default:
		}
	}
}

// relayMessage stores the message and broadcasts it with a server-assigned ID, like the real server.
func (s *ChatServer) relayMessage(sender *fakeSocket, r gjson.Result) {
	roomID := r.Get("chat_id").Str
	s.mu.Lock()
	s.msgCounter++
	msgID := fmt.Sprintf("srv_msg_%d", s.msgCounter)
	username := s.usernames[r.Get("user_id").Str]
	room := s.rooms[roomID]
	sockets := append([]*fakeSocket{}, s.sockets...)
	echoToSender := s.echoToSender
	stripTxnID := s.stripTxnID
	s.mu.Unlock()

	out := []byte(`{"type":"message"}`)
	out, _ = sjson.SetBytes(out, "message_id", msgID)
	out, _ = sjson.SetBytes(out, "user_id", r.Get("user_id").Str)
	out, _ = sjson.SetBytes(out, "username", username)
	out, _ = sjson.SetBytes(out, "content", r.Get("content").Str)
	out, _ = sjson.SetBytes(out, "created_at", time.Now().UTC().Format(time.RFC3339Nano))
	if txnID := r.Get("txn_id").Str; txnID != "" && !stripTxnID {
		out, _ = sjson.SetBytes(out, "txn_id", txnID)
	}
	if room != nil {
		record, _ := sjson.SetBytes(out, "item_type", "message")
		record, _ = sjson.SetBytes(record, "user.username", username)
		s.mu.Lock()
		room.History = append(room.History, record)
		s.mu.Unlock()
	}
	for _, sock := range sockets {
		if sock.room() != roomID {
			continue
		}
		if sock == sender && !echoToSender {
			continue
		}
		// errors mean the socket was dropped, in which case the client is already told via its reader
		_ = sock.write(out)
	}
}
