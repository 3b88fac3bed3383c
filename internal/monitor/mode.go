package monitor

// mode is how a transaction is being watched right now. Exactly one channel
// drives a transaction at a time.
type mode interface {
	name() string
}

type unmonitored struct{}

// pushActive has an empty handle while the subscribe call is in flight.
type pushActive struct {
	handle string
}

type pollActive struct {
	attemptsLeft int
}

func (unmonitored) name() string { return "none" }
func (pushActive) name() string  { return "push" }
func (pollActive) name() string  { return "poll" }

type source int

const (
	sourcePush source = iota
	sourcePoll
)

func (s source) String() string {
	if s == sourcePush {
		return "push"
	}
	return "poll"
}

// accepts reports whether an update from src may change a transaction in
// mode md.
func accepts(md mode, src source) bool {
	switch md.(type) {
	case pushActive:
		return src == sourcePush
	case pollActive:
		return src == sourcePoll
	default:
		return false
	}
}
