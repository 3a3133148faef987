// Package rookery holds the shared data model for the rookery scraping
// scheduler.
//
// The interesting machinery lives in the subpackages: [store] and
// [store/sqlite] persist accounts and their per-queue lock windows, and
// [libpool] schedules requests across the account fleet.
package rookery
