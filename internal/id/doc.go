// Package id generates identifiers for mock routes and log entries.
//
// Route ids are random UUID v4 strings. They are assigned once at creation and
// never change; the route table and every store backend key on them.
package id
