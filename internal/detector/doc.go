// Package detector turns raw filesystem notifications under the watched roots
// into "document ready" events.
//
// Files pass three gates before they reach the orchestrator: name filtering
// (extension, hidden files, editor temp files), a per-file stabilization
// window that waits for writes to stop, and a per-path dedup window. With
// nested watching enabled the files of one chapter folder are then grouped by
// role and held until the folder settles, so a mcqs/solution pair lands as a
// single merge event. Folder classification is a pure function
// (ClassifyFolder) and can be exercised without a watcher.
package detector
