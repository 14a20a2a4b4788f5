/*
Package deposit implements the deposit pipeline: accepting submitted
submissions, transferring custody of their content to target
repositories, and reconciling the outcome of every transfer.

# Pipeline

A submission flows through three actors, each built on the same
etag-guarded critical interaction:

	┌────────────┐    accept     ┌──────────────┐   one per target
	│ Submission │──────────────▶│  Processor   │────────────────────┐
	└────────────┘               └──────────────┘                    │
	                                                                 ▼
	┌────────────────────┐   poll statement   ┌──────────────────────────┐
	│  Updater           │◀───────────────────│  DepositTask (pool)      │
	│  (reconciler)      │                    │  phase A: transfer        │
	└────────┬───────────┘                    │  phase B: outcome         │
	         │ aggregate                      └──────────────────────────┘
	         ▼
	┌────────────────────┐
	│ SubmissionUpdater  │
	└────────────────────┘

The Processor claims a submission, projects it into a package-ready
DepositSubmission, and fans out one Deposit plus one DepositTask per
target repository onto the worker pool.

A DepositTask separates physical from logical success. Phase A
assembles and transfers the package; a transfer failure marks the
deposit dirty for a later retry. Phase B records the target's status
reference and resolves the external status into ACCEPTED or REJECTED,
leaving unmapped deposits SUBMITTED for the Updater.

The Updater periodically re-resolves SUBMITTED deposits and advances
them, together with their repository copies, once the target reaches a
decision. The SubmissionUpdater derives each submission's aggregated
status from its child deposits.

Errors that escape a task land in the FailureHandler, which marks the
affected deposit or submission FAILED. Failed deposits stay put until
an operator resets them to dirty.
*/
package deposit
