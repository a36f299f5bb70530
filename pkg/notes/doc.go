/*
Package notes renders the internal ticket notes the archiver posts back
after processing: a success note with the archive facts, or an error note
with the classification, a secret-scrubbed message, and the operator
action. All values are HTML-escaped.
*/
package notes
