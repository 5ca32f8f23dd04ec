// Package route defines the mock route model shared by every prock component.
//
// A Record is the durable form of a mock route as the store keeps it: an id,
// an HTTP method and literal path, the status code to answer with, the mock
// body as a serialized JSON string, and an enabled flag. A DTO is the wire
// form used by the management API, where the mock body travels as a JSON
// value. ProckConfig is the singleton record that carries the upstream URL.
//
// Records are normalized on ingestion (method upper-cased) and validated
// before they reach a store. Mock bodies are parsed once, by the table
// synchronizer, through Record.ParseBody; a body that fails to parse yields
// ErrMalformedBody and the record never reaches the route table.
package route
