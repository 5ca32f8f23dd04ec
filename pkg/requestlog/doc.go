// Package requestlog keeps a bounded history of proxied requests for
// inspection through GET /requests.
//
// It is distinct from operational logging (which uses log/slog): entries
// record what came in, whether a mock answered it and what status went
// back. MemoryStore subscribes to the event emitter and retains the most
// recent ProxyRequestEvents, evicting the oldest first.
//
//	log := requestlog.NewMemoryStore(1000)
//	emitter.Subscribe("requestlog", log, events.SubscribeOptions{
//	    Types: []events.Type{events.TypeProxyRequest},
//	})
//	recent := log.List(&requestlog.Filter{Limit: 50})
package requestlog
