/*
Package dispatch runs archiving jobs on a worker backend.

Two backends implement Dispatcher: Pool keeps a bounded in-process queue
with a fixed worker count, and RedisQueue shares work across replicas
through a Redis stream consumer group with retry, backoff, and a
dead-letter stream.
*/
package dispatch
