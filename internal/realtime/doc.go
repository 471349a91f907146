// Package realtime pushes accepted snapshots to subscribed clients.
//
// Hub is the in-process fan-out. A subscriber is admitted only if the
// domain lets it observe the entity, and every publish re-checks that, so
// a member removed by the published change stops receiving updates from
// that version on. Delivery is at-most-once and never blocks the
// publisher: a slow subscriber loses intermediate snapshots, never the
// newest one.
//
// RedisRelay carries publishes between server processes over Redis
// pub/sub. Handler serves subscriptions over websockets and Dial is its
// client.
package realtime
