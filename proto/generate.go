// Package workerv1 holds the generated gRPC bindings for the worker
// service. Regenerate with `go generate ./proto` after editing
// worker.proto.
package workerv1

//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative worker.proto
