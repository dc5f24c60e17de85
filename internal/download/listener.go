package download

import (
	"github.com/tubequeue/tubequeue-go/internal/queue"
)

// ProgressListener receives every observable item change: state transitions
// and progress updates. Listeners are notified in registration order and
// must return quickly; a slow listener delays queue mutation.
type ProgressListener interface {
	OnItemChanged(item queue.Item)
}

// ListenerFunc adapts a function to the ProgressListener interface.
type ListenerFunc func(queue.Item)

// OnItemChanged implements ProgressListener.
func (f ListenerFunc) OnItemChanged(item queue.Item) {
	f(item)
}
