// Package store provides durable, transactional persistence for projects
// and everything derived from them: transcript segments, notes, cached
// explanations, and conversation turns.
//
// The backend is a single SQLite database in WAL mode. Every multi-row
// write runs in one transaction, so a crash leaves either the whole write
// visible or none of it, and readers never observe a half-written record.
// Corruption is detected at open time and reported distinctly from a
// missing record.
package store
