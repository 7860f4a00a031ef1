// Package upstream defines the contract between the relay and the
// language-model backend. Implementations live in subpackages; the relay
// depends only on the Client interface so backends can be swapped and
// tests can use scripted fakes.
package upstream
