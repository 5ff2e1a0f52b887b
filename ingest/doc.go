// Package ingest is the file ingestion API carried over the bridge.
//
// Client is the controller-side view: each method issues one bridge call
// and decodes its result. Service is the worker-side computation; it
// registers convert_file, probe_file, probe_compress, get_column_types and
// cancel_ingesting_data on a worker.Server.
//
// Auxiliary routing fields (selected_files, sheet, ext) travel next to the
// call arguments and choose the archive member and the file format.
package ingest
