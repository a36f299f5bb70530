/*
Package log provides structured logging for the archiver using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. Job-scoped child loggers carry the ticket,
request, and delivery identifiers so that one job's events can be correlated
across the ingress, dispatcher, and processor.

Strings that may contain upstream error text must be passed through
config.ScrubSecrets before logging; the logger itself does not redact.
*/
package log
