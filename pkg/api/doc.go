// Package api holds the JSON plumbing shared by every HTTP backend:
// response encoding, request decoding, and the mapping from storage
// sentinel errors to status codes and stable error bodies.
package api
