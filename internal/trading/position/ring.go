package position

// markRing is a fixed-size ring of mark prices, oldest overwritten first.
type markRing struct {
	buf   []float64
	next  int
	count int
}

func newMarkRing(size int) *markRing {
	if size <= 0 {
		size = 256
	}
	return &markRing{buf: make([]float64, size)}
}

func (r *markRing) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// values returns the recorded marks in chronological order.
func (r *markRing) values() []float64 {
	out := make([]float64, 0, r.count)
	if r.count < len(r.buf) {
		out = append(out, r.buf[:r.count]...)
		return out
	}
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *markRing) len() int {
	return r.count
}
