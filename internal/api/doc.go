// Package api exposes the ops HTTP interface of a sync run: health, metrics,
// live progress and the operator decision endpoints.
package api
