// Package failsafe implements the configuration fail-safe of a device.
//
// A device manager arms the fail-safe before it changes the device
// configuration and disarms it once the changes are complete. If the
// fail-safe expires first, the device rolls its configuration back to the
// state it had when the fail-safe was armed.
//
// # Arm Modes
//
//   - New: arm a fail-safe; fails if one is already armed
//   - Resume: restart an armed fail-safe; the token must match
//   - ResumeOrNew: resume if armed with the same token, otherwise arm
//
// The token identifies the manager that armed the fail-safe, so a second
// manager cannot take over a half-finished configuration.
package failsafe
