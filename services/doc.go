// Package services exposes a coordinator over HTTP.
//
// API serves the participant protocol under /v1:
//
//	POST /v1/message/{phase}/{round}   binary participant message
//	GET  /v1/params                    signed binary round parameters
//	GET  /v1/params.json               round parameters as a signed document
//	GET  /v1/sums                      sum dictionary (Update and Sum2)
//	GET  /v1/seeds/{sum_pk}            seeds sealed for one sum participant (Sum2)
//	GET  /v1/model                     current global model
//	GET  /v1/status                    round, phase and progress
//
// Read-side JSON documents are wrapped in protocol.Signed and carry the
// coordinator signature. Submission errors are mapped to HTTP status codes
// by StatusCode; 503 responses carry Retry-After and may be retried.
package services
