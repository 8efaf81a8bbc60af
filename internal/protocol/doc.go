// Package protocol defines the command and acknowledgment messages exchanged
// between the backend and a simulated smart-coop device.
//
// Every command a device accepts is answered by exactly one Ack. The ack
// echoes the command's correlation id under both commandId and requestId;
// when the command carried neither, both keys are present with a JSON null.
//
// Acks are fire-and-forget. A lost ack is recovered by the originator
// resending the command, never by the device retrying.
package protocol
