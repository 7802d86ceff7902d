package plugincenter

import "sync"

// XsrfExcludes holds request paths that are exempt from the XSRF check.
// The plugin center posts back to the callback path from another origin, so
// the path is excluded while a login is in flight.
type XsrfExcludes struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

func NewXsrfExcludes() *XsrfExcludes {
	return &XsrfExcludes{paths: make(map[string]struct{})}
}

// Add excludes path from the XSRF check.
func (e *XsrfExcludes) Add(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths[path] = struct{}{}
}

// Remove subjects path to the XSRF check again.
func (e *XsrfExcludes) Remove(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.paths, path)
}

func (e *XsrfExcludes) Contains(path string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.paths[path]
	return ok
}
