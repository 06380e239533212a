package analysis

// Relative exposes the workspace path check for tests.
func (e *WorkspaceEngine) Relative(p string) (string, bool) {
	return e.relative(p)
}
