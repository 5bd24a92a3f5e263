// Package sf collapses concurrent calls sharing a key into one execution.
//
// The metadata cache uses it so that a burst of publishes that all miss the
// same subject triggers a single FetchMetadata round trip:
//
//	var group sf.Group[*metadata.Metadata]
//	select {
//	case r := <-group.DoChan("orders", fetchOrders):
//	    return r.Val, r.Err
//	case <-ctx.Done():
//	    return nil, ctx.Err()
//	}
//
// Callers that joined an in-flight call get Shared=true and the same result.
// Each caller decides on its own how long to wait.
package sf
