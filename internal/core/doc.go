// Package core provides the upload/process/download workflow.
//
// This package holds all domain logic independent of any UI or transport
// layer. The web package renders its snapshots; the transfer and artifact
// packages implement the collaborators it depends on.
//
// # Stages
//
// A [Workflow] is always in exactly one [Stage]:
//
//	idle ──select ok──▶ file_selected ──analyze──▶ submitting ──ok──▶ succeeded
//	  ▲                                               │
//	  │                                               └──error──▶ failed ──analyze──▶ submitting
//	  └───────────────── reset (any stage) ───────────────────────────────┘
//
// Selecting a file is allowed in every stage and always starts over from
// idle: the previous file, error and artifact handle are discarded first.
// A rejected selection leaves the workflow idle with an [ErrorInfo] of kind
// [ErrInvalidType].
//
// # Collaborators
//
//   - [Validator]: exact match on the declared media type (text/csv).
//   - [Submitter]: one request/response exchange with the remote service.
//     Every failure is reported as [ErrTransferFailed].
//   - [Publisher]: turns an [Artifact] into a revocable [HandleRef] and
//     releases the previous handle before issuing a new one.
//   - [AuditSink]: optional record of user actions and submission outcomes.
//
// # Stale responses
//
// Submissions are numbered. Reset, re-selection and [Workflow.Close] move
// the counter forward, so a late response from an abandoned attempt is
// dropped and never published.
//
// # Error Handling
//
// Errors are mapped to user-friendly messages with [MapError]. See
// error_messages.go for the code reference.
package core
