// Package catalog defines the types and collaborator interfaces shared by the
// crawl orchestrator and the reconciliation engine.
package catalog
