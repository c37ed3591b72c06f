// Package persistence stores the provisioned configuration of a simulated
// device (networks, fabric, services, regulatory settings) as JSON so it
// survives restarts.
package persistence
