/*
Package idempotency keeps duplicate work out of the archiver.

Two mechanisms cooperate: a delivery registry claims webhook delivery
identifiers once per TTL window (in memory for single-process deployments,
Redis SET NX for fleets), and a per-ticket in-flight lock serialises
concurrent jobs for the same ticket. The Redis ticket lock extends the
latter across processes with a TTL so crashed holders cannot wedge a
ticket forever.
*/
package idempotency
