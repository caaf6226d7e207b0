package ipc

// Servers provides the list of server addresses of a Group.
// The list may change over time; it is read on every call.
type Servers interface {
	List() []string
}

type staticServers []string

// NewStaticServers returns a fixed list of server addresses.
func NewStaticServers(addrs ...string) Servers {
	return staticServers(append([]string(nil), addrs...))
}

func (s staticServers) List() []string {
	return s
}
