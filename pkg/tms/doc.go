/*
Package tms is the REST client for the upstream ticket system.

Every operation is a single attempt with a per-call timeout. The client
classifies HTTP status codes and transport errors into retry failures but
never retries on its own; the processing pipeline owns that decision.
Redirects are not followed and credentials are sent only to the configured
base URL.
*/
package tms
