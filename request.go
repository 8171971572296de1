package nio

// commandKind tags the operations a Server posts to its own deferred
// inbox from any goroutine. The original implementation represented these
// as closures captured by pushChannelCloseRequest/pushShutdownRequest; the
// redesign (spec §9 design notes: "IoBase dynamic dispatch") replaces
// per-request closures with a small exhaustive enum dispatched by Server's
// own drain step, so the command itself carries no behaviour, only data.
type commandKind int

const (
	cmdCloseChannel commandKind = iota
	cmdShutdownChannel
)

// command is one entry in Server's deferred-request inbox (spec §3's
// DeferredRequest row: "fd, op, deadline, callback, cookie", narrowed here
// to the two commands a Server ever posts to itself: close_channel and the
// drain (cancellation) half of shutdown-then-drain). Selector's own interest-change
// inbox is a separate, simpler queue local to selector.go, since it only
// ever carries one kind of entry.
type command struct {
	kind commandKind
	fd   int
	how  ShutdownHow // meaningful only for cmdShutdownChannel
}
