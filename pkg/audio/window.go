package audio

// DefaultWindow is the number of samples kept for operator scrubbing.
const DefaultWindow = 1000

// Window keeps the last N samples of a stream. Not safe for concurrent use.
type Window struct {
	buf  []float64
	size int
}

// NewWindow returns a window of size samples; size <= 0 uses DefaultWindow.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{buf: make([]float64, 0, size), size: size}
}

// Append adds samples, dropping the oldest beyond the window size.
func (w *Window) Append(samples []float64) {
	if len(samples) >= w.size {
		w.buf = append(w.buf[:0], samples[len(samples)-w.size:]...)
		return
	}
	if over := len(w.buf) + len(samples) - w.size; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	w.buf = append(w.buf, samples...)
}

// Snapshot returns a copy of the window contents, oldest first.
func (w *Window) Snapshot() []float64 {
	out := make([]float64, len(w.buf))
	copy(out, w.buf)
	return out
}

func (w *Window) Len() int { return len(w.buf) }

// Reset discards all samples.
func (w *Window) Reset() { w.buf = w.buf[:0] }
