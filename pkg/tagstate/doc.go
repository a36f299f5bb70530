/*
Package tagstate implements the tag-driven workflow state machine.

A ticket's archival state lives in its tags: trigger requests work,
processing marks an active job, done marks success, and error marks
failure. Transitions are deterministic from any starting state and
idempotent, so replays and crash-recovery reapplications are safe.
*/
package tagstate
