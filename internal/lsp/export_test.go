package lsp

// Flush blocks until every progress message posted so far has been sent.
func (u *WorkDoneUI) Flush() {
	done := make(chan struct{})
	u.out.post(func() { close(done) })
	<-done
}
