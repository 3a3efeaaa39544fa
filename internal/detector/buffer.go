package detector

// SampleBuffer is a fixed-capacity sample store with a write cursor. The
// cursor never passes the capacity; writes beyond it are clipped.
type SampleBuffer struct {
	data   []int16
	cursor int
}

// NewSampleBuffer allocates a buffer holding capacity samples.
func NewSampleBuffer(capacity int) *SampleBuffer {
	return &SampleBuffer{data: make([]int16, capacity)}
}

// Reset moves the cursor back to the start. The contents are not cleared.
func (b *SampleBuffer) Reset() { b.cursor = 0 }

// Append copies as many samples as fit and returns how many were written.
func (b *SampleBuffer) Append(samples []int16) int {
	n := copy(b.data[b.cursor:], samples)
	b.cursor += n
	return n
}

// Len returns the number of samples written since the last Reset.
func (b *SampleBuffer) Len() int { return b.cursor }

// Cap returns the fixed capacity.
func (b *SampleBuffer) Cap() int { return len(b.data) }

// Full reports whether the cursor has reached the capacity.
func (b *SampleBuffer) Full() bool { return b.cursor == len(b.data) }

// Samples returns the written samples. The slice aliases the buffer and is
// only valid until the next Reset.
func (b *SampleBuffer) Samples() []int16 { return b.data[:b.cursor] }
