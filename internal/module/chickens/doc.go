// Package chickens keeps the flock registry shared by the RFID gate and the
// smart counter, and simulates the RFID gate module itself.
//
// The registry is the device-side source of truth: chickens are added
// locally, persisted in the settings store and merged with the management
// backend's list. Which chickens are inside the coop is tracked as a set
// of tag ids; gate events always derive their direction from that set.
package chickens
