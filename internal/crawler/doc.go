// Package crawler holds the domain model of the catalog crawl: the Code, Name,
// RawContent and FileRecord entities, their status lifecycle, and the narrow
// interfaces (Fetcher, Store, ObjectStore, Publisher, Observer) through which
// the orchestrator reaches the network and persistence.
package crawler
