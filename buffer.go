package proactor

// Buffer is a mutable byte range used as the source of a send or the
// destination of a receive. It either owns its storage (NewBuffer,
// CopyBuffer) or borrows caller storage (WrapBuffer).
//
// Once a buffer has been queued the dispatcher reads or writes it until the
// operation completes. The caller must not resize it or touch its bytes in
// that window.
type Buffer struct {
	data     []byte
	borrowed bool
}

// NewBuffer allocates a zeroed buffer of the given size.
func NewBuffer(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	return &Buffer{data: make([]byte, size)}
}

// CopyBuffer copies p into a buffer of exactly len(p) bytes.
func CopyBuffer(p []byte) *Buffer {
	data := make([]byte, len(p))
	copy(data, p)
	return &Buffer{data: data}
}

// WrapBuffer borrows p without copying. Writes done by a receive are visible
// through p.
func WrapBuffer(p []byte) *Buffer {
	return &Buffer{data: p, borrowed: true}
}

// Bytes returns the current contents.
func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Len() int {
	return len(b.data)
}

func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Borrowed reports whether the storage belongs to the caller.
func (b *Buffer) Borrowed() bool {
	return b.borrowed
}

// Resize sets the length to n. Bytes exposed by growing are zeroed. Growing
// past the capacity reallocates, after which a borrowed buffer owns its
// storage.
func (b *Buffer) Resize(n int) {
	if n < 0 {
		n = 0
	}
	old := len(b.data)
	if n <= cap(b.data) {
		b.data = b.data[:n]
		if n > old {
			clear(b.data[old:n])
		}
		return
	}
	data := make([]byte, n)
	copy(data, b.data)
	b.data = data
	b.borrowed = false
}

// Clear drops the contents, keeping the storage.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
}

func (b *Buffer) String() string {
	return string(b.data)
}

