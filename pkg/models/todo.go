package models

// TodoStatus is the progress state of a plan item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// MaxTodos caps the todo list length accepted from the model.
const MaxTodos = 7

// TodoItem is a single plan step tracked across a turn.
type TodoItem struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// SortTodos orders items completed first, then in-progress, then pending,
// preserving relative order within each group.
func SortTodos(items []TodoItem) []TodoItem {
	rank := func(s TodoStatus) int {
		switch s {
		case TodoCompleted:
			return 0
		case TodoInProgress:
			return 1
		default:
			return 2
		}
	}
	out := make([]TodoItem, 0, len(items))
	for group := 0; group <= 2; group++ {
		for _, it := range items {
			if rank(it.Status) == group {
				out = append(out, it)
			}
		}
	}
	return out
}
