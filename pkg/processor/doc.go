/*
Package processor orchestrates one archiving job: lock the ticket, claim
the delivery, check eligibility, move the tag state machine, snapshot and
render the ticket, sign, store, and report the outcome back onto the
ticket as an internal note.

Every failure funnels through a single path that classifies the error,
posts a scrubbed note, applies the error state (keeping the trigger tag
for transient failures), and always releases the ticket lock.
*/
package processor
