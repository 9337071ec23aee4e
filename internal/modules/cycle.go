package modules

import "sync"

// CycleDetector tracks the ordered set of module identifiers currently
// being loaded. It is the single authoritative cycle-detection mechanism:
// Push rejects duplicates, so callers never need a second stack scan.
//
// Callers must pair Push and Pop around every load, popping on all exit
// paths so no identifier leaks across calls.
type CycleDetector struct {
	mu    sync.RWMutex
	stack []string
}

// NewCycleDetector creates an empty detector.
func NewCycleDetector() *CycleDetector {
	return &CycleDetector{}
}

// Check reports a CircularDependencyError when id is already in flight.
// Only the current stack is inspected, never history.
func (c *CycleDetector) Check(id string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkLocked(id)
}

func (c *CycleDetector) checkLocked(id string) error {
	for _, inFlight := range c.stack {
		if inFlight == id {
			chain := make([]string, 0, len(c.stack)+1)
			chain = append(chain, c.stack...)
			chain = append(chain, id)
			return &CircularDependencyError{Chain: chain}
		}
	}
	return nil
}

// Push appends id to the load stack. Pushing an identifier that is already
// in flight fails with CircularDependencyError and leaves the stack
// unchanged.
func (c *CycleDetector) Push(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(id); err != nil {
		return err
	}
	c.stack = append(c.stack, id)
	return nil
}

// Pop removes and returns the most recently pushed identifier. The second
// return is false when the stack is empty.
func (c *CycleDetector) Pop() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return "", false
	}
	id := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return id, true
}

// IsLoading reports whether id is currently in flight.
func (c *CycleDetector) IsLoading(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, inFlight := range c.stack {
		if inFlight == id {
			return true
		}
	}
	return false
}

// Depth returns the number of in-flight identifiers.
func (c *CycleDetector) Depth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stack)
}

// Clear resets the stack. Intended for error recovery and test isolation,
// not for normal operation.
func (c *CycleDetector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = nil
}
