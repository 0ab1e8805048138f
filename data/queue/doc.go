// Package queue is a transactional message queue stored in PostgreSQL.
//
// Producers insert a batch of JSON messages and commit; consumers select
// visible messages with FOR UPDATE SKIP LOCKED, record a consumption row per
// consumer group and commit. Waiting consumers block on LISTEN/NOTIFY.
//
// Submit and commit are separate steps with separate error kinds: a failed
// submit or receive (errx.ErrEnqueue, errx.ErrReceive) is safe to retry, a
// failed commit (errx.ErrCommit) leaves the outcome unknown.
//
// Both Producer and Consumer work on a connection the caller has leased and
// will release; they never close it.
package queue
