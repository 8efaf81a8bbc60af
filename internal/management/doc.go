// Package management is the HTTP client for the smart-coop backend that
// owns devices, coops and chickens.
//
// The simulator uses it to trade a factory password for broker credentials,
// to learn which modules are attached to the device, to pull the coop's
// flock and sunrise/sunset table, and to register chickens added locally.
// Requests are retried with backoff by go-retryablehttp; every call other
// than Authenticate needs a bearer token.
package management
