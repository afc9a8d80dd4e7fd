// Package schema defines the entities and wire payloads shared by the
// fintrack server and its offline-first clients.
//
// # Entities
//
// A Transaction is a single income or expense owned by one user. Clients
// create transactions offline under a provisional id (prefix "local-") and
// learn the server id on their first successful push. The server keeps the
// client's reference so a retried push is recognised instead of duplicated.
//
// Categories are server-owned and read-only for clients. Budgets and
// notifications are client records stored as opaque JSON (see Record).
//
// # Timestamps
//
// All modification times are epoch milliseconds taken from the server
// clock. The sync cursor is compared against these values.
//
// # Amounts
//
// Amounts are exact decimals (see package money). The signed contribution
// of a transaction to a balance is +amount for income and -amount for
// expense:
//
//	schema.Signed(money.MustParse("30"), schema.Expense) // -30.00
//
// # Settings
//
// User settings are an opaque JSON object. The server stores and returns it
// verbatim and replaces it wholesale on update.
package schema
