package plugins

import "log"

// Restarter restarts the server so that plugin changes take effect.
type Restarter interface {
	Restart(reason string) error
}

// ProcessRestarter hands restart requests to the process supervisor in main,
// which drains the HTTP server and re-executes the binary.
type ProcessRestarter struct {
	requests chan string
}

// NewProcessRestarter creates a restarter with room for one request.
func NewProcessRestarter() *ProcessRestarter {
	return &ProcessRestarter{requests: make(chan string, 1)}
}

// Restart requests a restart. Requests made while one is outstanding are
// merged into it.
func (r *ProcessRestarter) Restart(reason string) error {
	select {
	case r.requests <- reason:
		log.Printf("Restart requested: %s", reason)
	default:
		log.Printf("Restart already requested, ignoring: %s", reason)
	}
	return nil
}

// Requests delivers restart reasons.
func (r *ProcessRestarter) Requests() <-chan string {
	return r.requests
}
