// Package notifier sends operator notifications to a chat without flooding it.
//
// A Coalescer remembers the last message it sent per destination (chat and
// thread). When the same text is sent again within ResendWindow of that
// message, the earlier message is edited to carry a repeat counter instead
// of posting a new one. Different text, an expired window or a failed edit
// produce a fresh message.
//
// A Channel binds a Coalescer to one destination and can stand in as the
// chat sink of the logging service.
package notifier
