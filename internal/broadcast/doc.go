// Package broadcast publishes chat events on per-chat channels.
//
// Every persisted message produces one MessageSent event on the channel
// "private-chat.{chatId}". Delivery is at-most-once: publishers never retry
// and a failed publish is only logged by the caller.
//
// Hub fans events out in-process to WebSocket subscribers. RedisPublisher
// sends them over Redis pub/sub, and Relay pulls them back from Redis into
// the local Hub so that every instance serves its own subscribers. An
// instance publishes through Multi{hub, redisPublisher}; its relay skips
// events carrying its own origin so local subscribers see each event once.
package broadcast
