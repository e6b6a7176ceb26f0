/*
Package events is an in-process pub/sub broker for cluster events.

The manager emits an event whenever a service is registered, removed or
changes state, when workers come and go, and when the cluster is shared,
expanded or persisted. Subscribers get a buffered channel; a subscriber
that falls behind misses events rather than blocking the publisher.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.Type, ev.Message)
	}
*/
package events
