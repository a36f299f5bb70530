/*
Package storage writes archived documents safely under a fixed root.

Every write validates its target against the root and rejects symlink
components before touching the filesystem; files are opened with O_NOFOLLOW
where the platform supports it. Atomic mode stages content in a
same-directory temp file and renames it into place, so readers never see a
partial file. CommitArchive extends the same protocol to a multi-file
commit (PDF, attachments, audit sidecar), with the sidecar renamed last as
the completion marker.

Violations of the path rules surface as ErrUnsafePath and are permanent;
other failures are ordinary I/O errors and may be retried.
*/
package storage
