package pipeline

// Backlog keeps the most recent raw push messages, newest first, so charts
// entering live mode can be seeded with what was already received.
type Backlog struct {
	size     int
	messages [][]byte
}

// NewBacklog creates a backlog holding up to size messages.
func NewBacklog(size int) *Backlog {
	if size <= 0 {
		size = 1
	}
	return &Backlog{size: size, messages: make([][]byte, 0, size)}
}

// Add records a message as the newest one.
func (b *Backlog) Add(raw []byte) {
	if len(b.messages) < b.size {
		b.messages = append(b.messages, nil)
	}
	copy(b.messages[1:], b.messages)
	b.messages[0] = raw
}

// Load replaces the content with messages given newest first.
func (b *Backlog) Load(messages [][]byte) {
	if len(messages) > b.size {
		messages = messages[:b.size]
	}
	b.messages = append(b.messages[:0], messages...)
}

// Messages returns the messages, newest first.
func (b *Backlog) Messages() [][]byte {
	return append([][]byte(nil), b.messages...)
}

// Len returns the number of retained messages.
func (b *Backlog) Len() int { return len(b.messages) }
