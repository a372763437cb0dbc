package tracker

// window is a fixed-capacity FIFO of prices. Pushing into a full window
// overwrites the oldest value.
type window struct {
	buf   []float64
	start int
	size  int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]float64, capacity)}
}

func (w *window) push(price float64) {
	capacity := len(w.buf)
	if w.size < capacity {
		w.buf[(w.start+w.size)%capacity] = price
		w.size++
		return
	}
	w.buf[w.start] = price
	w.start = (w.start + 1) % capacity
}

func (w *window) len() int { return w.size }

func (w *window) oldest() float64 { return w.buf[w.start] }

func (w *window) newest() float64 {
	return w.buf[(w.start+w.size-1)%len(w.buf)]
}

// values returns a copy ordered oldest to newest.
func (w *window) values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}
