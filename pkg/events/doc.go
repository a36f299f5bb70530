/*
Package events provides a lightweight in-process broker for job
lifecycle events: accepted, started, completed, failed, skipped,
retried, and dead-lettered.

Subscribers receive events on buffered channels; a slow subscriber is
skipped rather than blocking the publisher, so delivery is best effort.
*/
package events
