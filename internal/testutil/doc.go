// Package testutil contains helper builders used across this repo's tests
// to reduce boilerplate when constructing fixture agent/team configuration
// and durable-queue messages. These helpers are intentionally minimal and
// avoid adding third-party dependencies beyond what the packages under test
// already import. They are not intended for production usage.
package testutil
