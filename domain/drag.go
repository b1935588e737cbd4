package domain

// DragEvent is one step of a drag gesture over the visible list.
type DragEvent interface {
	dragEvent()
}

type DragStarted struct {
	ID string
}

type DragMoved struct {
	ID     string
	OverID string
}

type DragCancelled struct{}

// DragEnded is the only drag event that commits a move.
type DragEnded struct {
	ID     string
	OverID string
}

func (DragStarted) dragEvent()   {}
func (DragMoved) dragEvent()     {}
func (DragCancelled) dragEvent() {}
func (DragEnded) dragEvent()     {}

// DropTarget resolves a drag event against view. It returns the moved id and its target
// position, or ok=false when the event must not trigger a reorder.
func DropTarget(view []Task, ev DragEvent) (id string, position int, ok bool) {
	ended, isEnd := ev.(DragEnded)
	if !isEnd || ended.OverID == "" || ended.OverID == ended.ID {
		return "", 0, false
	}
	if indexOf(view, ended.ID) < 0 {
		return "", 0, false
	}
	to := indexOf(view, ended.OverID)
	if to < 0 {
		return "", 0, false
	}
	return ended.ID, to, true
}
