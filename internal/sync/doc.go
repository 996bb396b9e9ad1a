// Package sync reconciles the local recording store with Freesound.
//
// Overview
//
// An Engine runs one reconciliation pass at a time. A pass reads the local
// records through the Callbacks collaborator, compares them with the sounds
// Freesound holds under the app's tag and applies the result back through the
// same callbacks:
//
//	local store ──ListRecordings──▶ Engine ◀──GetSoundsByTag── Freesound
//	                                 │
//	   1. upload unlinked records    │
//	   2. drain the upload queue     │
//	   3. push pending edits         ├──UploadSound / EditSound──▶
//	   4. refresh moderation status  │◀──GetPendingUploads──
//	   5. download remote-only sounds│◀──DownloadSound──
//	   6. delete vanished sounds     │
//	                                 ▼
//	        UpdateRecording / AddRecording / DeleteRecording
//
// Error Handling
//
// Per-record failures never abort a pass. They are reported in
// Result.Errors and on the record itself (SyncStatus, SyncError). Failing to
// fetch the remote listings degrades the pass: without the pending-uploads
// listing no moderation failure or deletion is inferred. Only a failure of
// ListRecordings is returned as an error.
//
// Rate Limiting
//
// When an upload ends with freesound.ErrRateLimited the engine starts a
// cooldown. Until it expires PerformSync returns immediately with a single
// "Rate limited" error and touches neither the store nor the network.
//
// Concurrency
//
// All Engine methods are safe for concurrent use. At most one PerformSync
// runs at a time; a call made while another is in flight returns an empty
// Result instead of waiting. Records are processed sequentially.
package sync
