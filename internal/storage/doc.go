// Package storage implements tiered persistence for aligned bar series.
//
// Architecture:
//
//	           Store                         Load / Latest
//	             │                                 ▲
//	     age < hot window?                   merge, hot wins
//	      │             │                     │          │
//	      ▼             ▼                     │          │
//	┌───────────┐  ┌───────────┐  Compress  ┌───────────┐
//	│    Hot    │  │   Cold    │◀───────────│    Hot    │
//	│  DuckDB   │  │  Parquet  │            │  DuckDB   │
//	└───────────┘  └───────────┘            └───────────┘
//	                     │
//	                     ▼
//	               ┌───────────┐
//	               │  Catalog  │  atomic snapshot, catalog.pb
//	               └───────────┘
//
// Writes are serialized per (symbol, timeframe) segment. A cold write unit
// is a set of verified part files published in one catalog swap; a hot
// write unit is one DuckDB transaction. Background migration lives in
// storage/migration and cold retention in storage/retention.
package storage
