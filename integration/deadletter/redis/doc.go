// Package redis stores events that exhausted their retries in a capped Redis
// list, so they survive process restarts and can be inspected from any node.
//
// The store implements event.DeadLetterStore and plugs into the error handling
// middleware:
//
//	client, err := redisdb.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	store, err := dlredis.NewStore(client, "eventbus:deadletter:"+roomID, 1000)
//	if err != nil {
//		return err
//	}
//	bus.AddMiddleware(event.NewErrorHandlingMiddleware(
//		event.WithRepublisher(bus),
//		event.WithDeadLetterStore(store),
//	))
//
// Events are stored as JSON. Only fields that survive JSON encoding are kept:
// identity, payload, metadata, cancel reason and handler errors.
package redis
