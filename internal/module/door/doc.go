// Package door simulates the coop door: a linear actuator moving between
// 0 (closed) and 100 (open) percent, plus the automatic open/close schedule
// driven either by fixed times or by a sunrise/sunset table.
//
// Every command on the door is answered with a device-scoped ack, a
// module-scoped ack and the legacy device response, so both the device
// shadow and older backends see the outcome.
package door
