package aggregator

// Subscription represents a topic read that streams accepted records
// in acceptance order
type Subscription struct {
	// Err chan will produce any errors that might occur while reading records.
	// If Err produces io.EOF, all records that were present in the store
	// have been delivered on Records and the subscription is done
	Err     chan error
	Records chan Record

	close chan struct{}
}

// Close closes the subscription and halts reading from the store
func (s Subscription) Close() {
	if s.close == nil {
		return
	}

	select {
	case s.close <- struct{}{}:
	default:
	}
}
