package roomsync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"github.com/parley-im/roomsync/timeline"
)

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

type sessionSnapshot struct {
	RoomID       string   `json:"room_id"`
	Title        string   `json:"title,omitempty"`
	View         string   `json:"view"`
	ChannelState string   `json:"channel_state"`
	IsMember     bool     `json:"is_member"`
	CanSend      bool     `json:"can_send"`
	CanEdit      bool     `json:"can_edit"`
	Items        int      `json:"items"`
	Pending      int      `json:"pending"`
	Unconfirmed  []string `json:"unconfirmed"`
}

func (c *Client) snapshot() sessionSnapshot {
	sess := c.Session
	snap := sessionSnapshot{
		RoomID:       sess.RoomID(),
		View:         sess.View().String(),
		ChannelState: sess.ChannelState().String(),
		IsMember:     sess.IsMember(),
		CanSend:      sess.CanSend(),
		CanEdit:      sess.CanEdit(),
		Unconfirmed:  sess.Unconfirmed(),
	}
	if room := sess.Room(); room != nil {
		snap.Title = room.Title
	}
	items := sess.Timeline()
	snap.Items = len(items)
	for _, it := range items {
		if msg, ok := it.(*timeline.Message); ok && msg.Status == timeline.Pending {
			snap.Pending++
		}
	}
	return snap
}

// NewDebugHandler serves /metrics from gatherer and a JSON summary of the session at /debug/session.
func NewDebugHandler(c *Client, gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/debug/session", func(w http.ResponseWriter, req *http.Request) {
		b, err := json.Marshal(c.snapshot())
		if err != nil {
			w.WriteHeader(500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write(b)
	}).Methods("GET")

	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Debug().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}
}
