/*
Package history records processing outcomes for the admin API: accepted,
skipped, completed, and failed events with their classification and a
secret-scrubbed message.

Two backends exist: a local BoltDB file for single-instance deployments
and a capped Redis stream when replicas share state. Recording is best
effort and never fails a job.
*/
package history
