/*
Package retry classifies failures for the archival pipeline.

Every failure resolves to a class (transient, permanent, or cancelled) and
a code from a closed set; the code selects an operator-facing hint for the
error note. Transient failures keep the trigger tag so the next webhook
delivery retries; permanent failures clear it. Unclassified errors default
to permanent, which keeps a bug from looping a ticket forever.
*/
package retry
