// Package gateway wires and runs a coven-chat process.
//
// # Components
//
// New builds, in order:
//
//   - the SQLite store (database.driver picks modernc or mattn)
//   - a Redis client when redis.url or redis.addr is set
//   - the broadcast Hub, plus a RedisPublisher and Relay when
//     broadcast.driver is "redis"
//   - the job queue: in-process, or asynq when queue.backend is "asynq"
//   - the AI bridge (dispatcher, poll or subscribe listener, dedupe cache)
//     when ai.enabled is set
//   - the conversation service and the assistant:reply task
//   - the gin HTTP API when auth.jwt_secret is set
//
// # Lifecycle
//
// Run serves the API and runs the job workers, the AI listener and the
// relay until its context is canceled. RunListener runs only the background
// loops, for processes dedicated to delivering assistant replies.
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	err = gw.Run(ctx)
//
// Shutdown stops the HTTP server, waits for the background loops and any
// in-flight message side effects, then closes Redis and the store.
package gateway
