/*
Package ingest implements the upload-receiving side of the rig: resumable
chunked uploads, end-to-end checksum verification, and atomic publication of
complete sessions.

# Layout

	{root}/staging/.uploads/{upload_id}/chunk_NNNNNN   chunk spool
	{root}/staging/{session_id}/{node_id}/             assembled + manifest
	{root}/sessions/{session_id}/{node_id}/            published

Staging and sessions share one filesystem, so publishing a session is a
single directory rename: a reader either sees no session directory or a
complete one.

# Idempotency

Upload and session state live in a bbolt database, uploads keyed by
recording_id and sessions by session_id.
One upload is open per recording at a time: a repeated or concurrent init for
the same recording returns the same upload_id together with the chunk indices
already persisted, which is what makes client-side resume work — including
across ingest server restarts. Chunks re-sent at an index already on disk are
accepted as no-ops when their size matches. confirm always answers with the
stored checksum, no matter how often it is called.

# Publication

The first manifest to arrive declares the session's expected cameras. Once
every expected camera is confirmed with a manifest on disk, the session is
renamed into sessions/ with status PUBLISHED. Sessions whose cameras never
all arrive are renamed with status PARTIAL by the completion scanner after
the configured timeout, provided at least one camera is confirmed; a timed-out
session with no confirmed camera stays in staging. A partial session is still
available downstream.
*/
package ingest
