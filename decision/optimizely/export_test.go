package optimizely

func (e *Engine) Builds() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.builds
}
