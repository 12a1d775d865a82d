package devlog

// setEnabled overrides the build flag for the duration of a test.
func setEnabled(v bool) func() {
	mu.Lock()
	prev := enabled
	enabled = v
	mu.Unlock()
	return func() {
		mu.Lock()
		enabled = prev
		mu.Unlock()
	}
}
