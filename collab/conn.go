package collab

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Conn is a live client transport. Implementations must be comparable (pointers) as they
// are used as map keys.
type Conn interface {
	// ID is unique per connection, for logging.
	ID() string
	// IsReady is false once the transport has started closing.
	IsReady() bool
	// Send queues one text frame. It must not block on the peer.
	Send(frame []byte) error
}

// Identity is who a joined connection is.
type Identity struct {
	ProjectID string
	UserID    string
	Username  string
	SessionID string
	JoinedAt  time.Time
}

func (i Identity) Participant() Participant {
	return Participant{UserID: i.UserID, Username: i.Username}
}
