// Package stores provides the execution journal for molr missions.
//
// The journal records, per mission run, every strand that was created, every
// event the mission published (state changes, cursor moves, consumed commands,
// leaf results and errors) and the latest result of each leaf. The SQLite
// implementation embeds its schema migrations; a Recorder drains a mission's
// event stream into any Journal.
package stores
