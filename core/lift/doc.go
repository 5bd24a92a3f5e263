// Package lift is a client for a partitioned, replicated log broker that
// runs on top of a pub/sub transport.
//
// A [Client] hides the cluster topology: it connects to one of several
// candidate brokers, keeps a metadata snapshot of which broker leads which
// partition, and routes every publish to a partition.
//
//	c, err := lift.NewClient(lift.ClientOptions{
//	    Addresses: []string{"broker-1:9292", "broker-2:9292"},
//	    Dial:      grpc.Dialer(grpc.DialOptions{}),
//	})
//	if err := c.Connect(ctx); err != nil { ... }
//
//	desc, err := lift.NewStreamDescriptor("orders", "orders-stream", lift.WithPartitions(3))
//	err = c.CreateStream(ctx, desc)
//
//	ack, err := c.Publish(ctx, lift.NewMessage("orders", payload,
//	    lift.WithKey([]byte(customerID)),
//	    lift.WithPartitionStrategy(lift.StrategyKey),
//	    lift.WithAckPolicy(api.AckPolicyLeader),
//	))
//
// # Partitions and subjects
//
// A message for partition 0 is published on the stream subject itself; a
// message for partition N > 0 is published on "<subject>.N".
//
// # Metadata freshness
//
// CreateStream always refreshes the new stream's metadata before returning.
// When a publish needs the partition count of a subject that the snapshot
// does not know, the client refreshes metadata a few times before failing
// with errs.ErrSubjectNotFound, which covers brokers that are slow to learn
// about a new stream.
//
// # Subscriptions
//
// Subscribe returns a [Subscription] whose Messages channel closes when the
// feed ends. The client never re-subscribes on its own.
//
// [MemoryBroker] implements the broker API in memory for tests and examples.
package lift
