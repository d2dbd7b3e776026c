package record

import (
	"os"
	"runtime"

	"github.com/google/uuid"
)

// Identity names the running process. Build it once at startup and pass it
// by value; nothing mutates it afterwards.
type Identity struct {
	InstanceID string
	Platform   string
	Hostname   string
}

// NewIdentity returns an Identity with a fresh random instance id.
func NewIdentity() Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = Unavailable
	}
	return Identity{
		InstanceID: uuid.NewString(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Hostname:   host,
	}
}

func (id Identity) server() Server {
	return Server{
		InstanceID: id.InstanceID,
		Platform:   id.Platform,
		Hostname:   id.Hostname,
	}
}
