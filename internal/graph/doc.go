// Package graph holds the in-memory workflow graph: typed nodes carrying a
// per-kind configuration payload, directed edges between them, and the
// mutation operations the editor and the intent compiler use. The model
// keeps the graph acyclic and free of duplicate connections at all times and
// notifies subscribers after every change.
package graph
