package process

import "errors"

// ErrNotFound reports that no local process owns the given socket.
var ErrNotFound = errors.New("process: not found")

// Info is the local process behind a flow's source socket.
type Info struct {
	PID  int
	Name string
	Path string
	UID  int
}
