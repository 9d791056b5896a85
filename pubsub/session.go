package pubsub

// The channel which has session change payloads
const ChanSession = "session"

// SessionListener receives change notifications from a conversation session. Payloads only say
// what changed: read the session for the current state.
type SessionListener interface {
	OnTimelineChanged(p *TimelineChanged)
	OnChannelStateChanged(p *ChannelStateChanged)
	OnMembershipChanged(p *MembershipChanged)
	OnViewChanged(p *ViewChanged)
	OnRoomChanged(p *RoomChanged)
	OnSendUnconfirmed(p *SendUnconfirmed)
}

type TimelineChanged struct {
	RoomID string
	Len    int
}

func (v TimelineChanged) Type() string { return "t" }

type ChannelStateChanged struct {
	RoomID string
	State  string
	Err    string
}

func (v ChannelStateChanged) Type() string { return "c" }

type MembershipChanged struct {
	RoomID   string
	IsMember bool
}

func (v MembershipChanged) Type() string { return "m" }

type ViewChanged struct {
	RoomID string
	View   string
}

func (v ViewChanged) Type() string { return "v" }

type RoomChanged struct {
	RoomID    string
	Title     string
	IsPrivate bool
}

func (v RoomChanged) Type() string { return "r" }

// SendUnconfirmed is sent when an optimistic message was never echoed back, or failed to send.
type SendUnconfirmed struct {
	RoomID string
	ItemID string
}

func (v SendUnconfirmed) Type() string { return "u" }

type SessionSub struct {
	listener Listener
	receiver SessionListener
}

func NewSessionSub(l Listener, recv SessionListener) *SessionSub {
	return &SessionSub{
		listener: l,
		receiver: recv,
	}
}

func (v *SessionSub) Teardown() {
	v.listener.Close()
}

func (v *SessionSub) onMessage(p Payload) {
	switch p.Type() {
	case TimelineChanged{}.Type():
		v.receiver.OnTimelineChanged(p.(*TimelineChanged))
	case ChannelStateChanged{}.Type():
		v.receiver.OnChannelStateChanged(p.(*ChannelStateChanged))
	case MembershipChanged{}.Type():
		v.receiver.OnMembershipChanged(p.(*MembershipChanged))
	case ViewChanged{}.Type():
		v.receiver.OnViewChanged(p.(*ViewChanged))
	case RoomChanged{}.Type():
		v.receiver.OnRoomChanged(p.(*RoomChanged))
	case SendUnconfirmed{}.Type():
		v.receiver.OnSendUnconfirmed(p.(*SendUnconfirmed))
	}
}

// Listen blocks until the listener is closed.
func (v *SessionSub) Listen() error {
	return v.listener.Listen(ChanSession, v.onMessage)
}
