package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it after [Stream.Close] to discard frames still buffered in
// [Stream.Frames].
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
