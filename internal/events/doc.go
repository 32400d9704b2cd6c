// Package events carries job lifecycle notifications from the components
// that cause them (the reaction handler, the job service) to whoever needs
// to know, such as the NATS publisher, without either side importing the
// other.
//
// The primary components are:
// - JobEvent: a lifecycle change of a single job
// - EventHandler: interface for components that consume events
// - EventEmitter: interface for components that publish events
package events
