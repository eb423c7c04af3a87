// Package store provides persistent storage for coven-chat using SQLite.
//
// # Architecture
//
// Storage is split into narrow interfaces so that callers depend only on
// what they use:
//
//   - ChatStore: chats, private-chat lookup by participant pair, membership
//   - MessageStore: message creation, paging, read marking, unread counts
//   - DirectoryStore: resolving users, admins and assistants to profiles
//   - DeadLetterStore: assistant replies that exhausted their retries
//
// SQLiteStore implements all of them in a single struct.
//
// # Data Models
//
//   - Chat: a private or group conversation
//   - Member: a typed participant's membership row, soft-removed via is_active
//   - Message: content plus sender reference, message type and metadata
//   - ChatSummary: a chat annotated for conversation lists
//   - FailedJob: a dead-lettered background job
//
// Participants live in three tables (users, admins, assistants) and are
// always addressed by participant.Ref, since ids repeat across kinds.
//
// # Private Chats
//
// A private chat carries a pair_key built from its two members with
// participant.PairKey. The unique index on pair_key makes concurrent
// creation for the same pair fail with ErrDuplicateChat, after which the
// loser reads the winner's chat.
//
// # SQLite Configuration
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go) and
// "sqlite3" (github.com/mattn/go-sqlite3, cgo). Both open in WAL mode with
// foreign keys on, and the pool is pinned to one connection.
//
// Database file locations:
//
//   - Development: coven-chat.db in the working directory
//   - Testing: :memory: or a file under t.TempDir()
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateChat: a private chat for the pair already exists
//   - ErrLastMember: deactivating would leave a chat with no active members
//   - participant.ErrNotFound: a reference does not resolve
//
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// createSchema is idempotent. Columns added after the first release are
// applied by runMigrations when missing.
package store
