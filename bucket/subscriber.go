package bucket

// Subscriber is notified when the set of known remote buckets changes.
//
// Note the subscriber is invoked from the store goroutine so must not block
// or call back into the store synchronously.
type Subscriber[T any] interface {
	// OnBucketsUpdated is invoked with the remote buckets that were replaced
	// by a newer version. The buckets must not be modified.
	OnBucketsUpdated(buckets map[Address]Bucket[T])

	// OnBucketRemoved is invoked when the bucket of a remote node is
	// removed, such as the node leaving the cluster or its watch handle
	// terminating.
	OnBucketRemoved(addr Address, bucket Bucket[T])
}
